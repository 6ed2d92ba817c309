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
	"context"
	"time"
)

// keepaliveInterval is the PING cadence the sweeper runs at (§4.6).
const keepaliveInterval = 10 * time.Second

// pruneInterval piggybacks empty-identity-entry pruning on the same timer
// (§9 open question decision, see SPEC_FULL.md §4); it runs far less often
// than the ping sweep itself.
const pruneInterval = 10 * time.Minute

// RunKeepalive pings every live session on g every keepaliveInterval until
// ctx is cancelled. A write failure tears that session down immediately;
// Sessions.All's snapshot means the sweeper tolerates its own concurrent
// tear-downs mutating the live set (§4.6).
func (g *Gateway) RunKeepalive(ctx context.Context) {
	pingTicker := time.NewTicker(keepaliveInterval)
	defer pingTicker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			g.sweepOnce()
		case now := <-pruneTicker.C:
			g.Registry.Prune(now)
		}
	}
}

// sweepOnce sends one PING to every currently-live session, tearing down
// any whose write fails.
func (g *Gateway) sweepOnce() {
	for _, s := range g.Sessions.All() {
		if err := s.SendPing(); err != nil {
			if g.Metrics != nil {
				g.Metrics.KeepaliveFailures.Inc()
			}
			g.Log.Printf("session %s: keepalive write failed: %v", s.Identity, err)
			g.teardown(s)
		}
	}
}
