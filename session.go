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
	"bufio"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// maxInteractionID is the inclusive upper bound on interaction identifiers
// (§3): a finite-precision integer in [0, 2^53 - 1], the JS-safe-integer
// range the client side of this protocol is expected to parse with.
const maxInteractionID = (uint64(1) << 53) - 1

// ErrInteractionSpaceExhausted is returned by Session.NextInteractionID when
// every id in [0, 2^53-1] is currently in use. It is fatal to the request
// that triggered it, not to the session (§4.2).
var ErrInteractionSpaceExhausted = errors.New("interaction id space exhausted")

// ErrUnknownInteraction is returned by Session.RemoveInteraction's callers
// when popping an id that isn't (or is no longer) registered.
var ErrUnknownInteraction = errors.New("interaction doesn't exist")

// PendingRequest is the opaque handle a Session holds for one in-flight
// public HTTP request awaiting a client reply (§3). Exactly one of Reply,
// the session's cancel-all sweep, or the public transport watch completes
// it; Done is buffered so whichever side wins never blocks.
type PendingRequest struct {
	Done chan *InteractionReply
}

// InteractionReply is what arrives on a PendingRequest's Done channel.
type InteractionReply struct {
	// NotFound is set when the session died before the client replied, or
	// the public request should be answered 404 with no body.
	NotFound bool
	Status   int
	Type     string
	Data     []byte
}

func newPendingRequest() *PendingRequest {
	return &PendingRequest{Done: make(chan *InteractionReply, 1)}
}

// partialMessage accumulates fragments of an in-progress fragmented text
// message (§3).
type partialMessage struct {
	active     bool
	compressed bool
	buf        []byte
}

// Session is per-connection state: identity cookie, compression
// capability, the pending-interaction table, and the partial-message
// accumulator (§3). Created on successful handshake; torn down on
// transport failure, protocol violation, keepalive write failure or
// explicit close.
type Session struct {
	Identity            string
	SupportsCompression bool

	conn   net.Conn
	reader *bufio.Reader
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*PendingRequest
	partial partialMessage
	closed  bool

	nextID *atomic.Uint64
	log    Logger
}

// NewSession wraps a hijacked connection as an open session. conn is owned
// by the session from this point on.
func NewSession(identity string, supportsCompression bool, conn net.Conn, reader *bufio.Reader, log Logger) *Session {
	return &Session{
		Identity:            identity,
		SupportsCompression: supportsCompression,
		conn:                conn,
		reader:              reader,
		pending:             make(map[uint64]*PendingRequest),
		nextID:              atomic.NewUint64(0),
		log:                 log,
	}
}

// NextInteractionID returns a currently-unused interaction id, advancing
// (and wrapping) the internal counter. It skips ids already present in the
// pending table (§4.2).
func (s *Session) NextInteractionID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempts := uint64(0); attempts <= maxInteractionID; attempts++ {
		id := s.nextID.Load()
		next := id + 1
		if next > maxInteractionID {
			next = 0
		}
		s.nextID.Store(next)
		if _, exists := s.pending[id]; !exists {
			return id, nil
		}
		if uint64(len(s.pending)) > maxInteractionID {
			break
		}
	}
	return 0, ErrInteractionSpaceExhausted
}

// AddInteraction inserts pending under id. It fails if id is already in use.
func (s *Session) AddInteraction(id uint64, pending *PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session is closed")
	}
	if _, exists := s.pending[id]; exists {
		return errors.Errorf("interaction %d already exists", id)
	}
	s.pending[id] = pending
	return nil
}

// RemoveInteraction idempotently removes id from the pending table.
func (s *Session) RemoveInteraction(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// GetInteraction returns the handle for id, if any.
func (s *Session) GetInteraction(id uint64) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	return p, ok
}

// PopInteraction removes and returns id atomically, so a concurrent cancel
// and reply cannot both observe it (§4.4: "pop the PendingRequest atomically
// to prevent double-completion").
func (s *Session) PopInteraction(id uint64) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return p, ok
}

// CancelAllInteractions completes every queued PendingRequest with a
// not-found status and empties the table. Called exactly once, when the
// session is torn down (§4.2).
func (s *Session) CancelAllInteractions() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]*PendingRequest)
	s.mu.Unlock()
	for _, p := range pending {
		select {
		case p.Done <- &InteractionReply{NotFound: true}:
		default:
		}
	}
}

// PendingCount reports the number of in-flight interactions, for metrics.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// writeFrame sends a single frame over the connection, serialized against
// concurrent writers (the dispatch engine dispatching invocations and the
// keepalive sweeper pinging can race on the same session).
func (s *Session) writeFrame(opcode Opcode, final, compressed bool, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(EncodeFrame(opcode, final, compressed, payload))
	return err
}

// SendText sends payload as one or more TEXT/CONTINUATION frames, applying
// permessage-deflate when the session negotiated it and the payload is at
// least 1000 bytes (§4.1 encoder contract).
func (s *Session) SendText(payload []byte) error {
	compressed := false
	out := payload
	if s.SupportsCompression && len(payload) >= 1000 {
		deflated, err := deflate(payload)
		if err != nil {
			return errors.Wrap(err, "compress outbound message")
		}
		out = deflated
		compressed = true
	}
	return s.writeFrame(OpcodeText, true, compressed, out)
}

// SendPing sends an empty-payload PING frame (the keepalive sweeper's probe).
func (s *Session) SendPing() error {
	return s.writeFrame(OpcodePing, true, false, nil)
}

// ReadMessage blocks until one complete message has been assembled from the
// wire, inflating it if the first frame was marked compressed. It enforces
// the continuation/control-frame-interleaving rules and the per-message
// size cap (§4.1). Returns the assembled payload, or an error: io.EOF /
// net errors mean the transport closed; a *ProtocolViolation means the
// frame stream violated the protocol and the session must be torn down.
func (s *Session) ReadMessage() ([]byte, error) {
	for {
		frame, err := DecodeFrame(s.reader)
		if err != nil {
			return nil, err
		}
		switch f := frame.(type) {
		case PingFrame:
			if err := s.writeFrame(OpcodePong, true, false, f.Payload); err != nil {
				return nil, err
			}
			continue
		case PongFrame:
			continue
		case TextFrame:
			s.mu.Lock()
			alreadyActive := s.partial.active
			s.mu.Unlock()
			if alreadyActive {
				return nil, violation("text frame while a message is already in progress")
			}
			if f.Compressed && !s.SupportsCompression {
				return nil, violation("compressed bit set without negotiated compression")
			}
			if msg, done, err := s.appendFragment(f.Compressed, f.Final, f.Payload); err != nil {
				return nil, err
			} else if done {
				return msg, nil
			}
			continue
		case ContinuationFrame:
			s.mu.Lock()
			active := s.partial.active
			compressed := s.partial.compressed
			s.mu.Unlock()
			if !active {
				return nil, violation("continuation frame without a preceding text frame")
			}
			if msg, done, err := s.appendFragment(compressed, f.Final, f.Payload); err != nil {
				return nil, err
			} else if done {
				return msg, nil
			}
			continue
		default:
			return nil, violation("unsupported frame")
		}
	}
}

// appendFragment appends payload to the partial-message accumulator,
// starting a new one if none is active, and finalizes (inflating if
// needed) when final is true.
func (s *Session) appendFragment(compressed, final bool, payload []byte) (msg []byte, done bool, err error) {
	s.mu.Lock()
	if !s.partial.active {
		s.partial.active = true
		s.partial.compressed = compressed
		s.partial.buf = nil
	}
	if uint64(len(s.partial.buf)+len(payload)) > maxMessagePayload {
		s.mu.Unlock()
		return nil, false, violation("message accumulator exceeds size cap")
	}
	s.partial.buf = append(s.partial.buf, payload...)
	if !final {
		s.mu.Unlock()
		return nil, false, nil
	}
	buf := s.partial.buf
	wasCompressed := s.partial.compressed
	s.partial = partialMessage{}
	s.mu.Unlock()

	if wasCompressed {
		out, err := inflate(buf)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}
	return buf, true, nil
}

// Close tears down the session's transport. It does not cancel pending
// interactions; callers that own the session's lifecycle (the dispatch
// engine, the keepalive sweeper) are responsible for calling
// CancelAllInteractions as part of teardown (§4.2, §4.6).
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
