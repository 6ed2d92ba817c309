// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package veilrelay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionManager tracks every live Session, keyed by identity, enforcing
// "at most one Session per identity string is live at a time" (§3).
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	liveSessions prometheus.Gauge
}

// NewSessionManager creates an empty manager. metrics may be nil in tests.
func NewSessionManager(metrics *Metrics) *SessionManager {
	sm := &SessionManager{sessions: make(map[string]*Session)}
	if metrics != nil {
		sm.liveSessions = metrics.LiveSessions
	}
	return sm
}

// Has reports whether identity currently names a live session.
func (m *SessionManager) Has(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[identity]
	return ok
}

// Get returns the live session for identity, if any.
func (m *SessionManager) Get(identity string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	return s, ok
}

// Add registers s as live. Callers must already have ensured s.Identity is
// unused (GenerateUnusedIdentity / Has) before handshaking the connection.
func (m *SessionManager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.Identity] = s
	m.mu.Unlock()
	if m.liveSessions != nil {
		m.liveSessions.Inc()
	}
}

// Remove deregisters identity, if it still names the same session that was
// added (a reconnect under the same identity must not clobber the newer
// session's removal-on-close).
func (m *SessionManager) Remove(s *Session) {
	m.mu.Lock()
	cur, ok := m.sessions[s.Identity]
	removed := ok && cur == s
	if removed {
		delete(m.sessions, s.Identity)
	}
	m.mu.Unlock()
	if removed && m.liveSessions != nil {
		m.liveSessions.Dec()
	}
}

// All returns a snapshot of every live session, safe to range over even as
// the sweeper concurrently tears sessions down (§4.6: "must tolerate
// concurrent modification of the session set caused by its own tear-downs").
func (m *SessionManager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// GenerateUnusedIdentity rejection-samples a fresh identity until one is
// found that doesn't collide with a live session (§4.2).
func (m *SessionManager) GenerateUnusedIdentity() (string, error) {
	for {
		id, err := newIdentity()
		if err != nil {
			return "", err
		}
		if !m.Has(id) {
			return id, nil
		}
	}
}
