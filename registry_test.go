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
	"strings"
	"testing"
	"time"
)

func TestRegistryCreateAndOwn(t *testing.T) {
	r := NewRegistry("abcdefghijklmnop", NewSessionManager(nil), nil)

	url, err := r.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(url, "http://abcdefghijklmnop.onion/") {
		t.Fatalf("url = %q, unexpected host", url)
	}
	if !r.Own("alice", url) {
		t.Fatalf("expected alice to own her freshly created url")
	}
	if r.Own("bob", url) {
		t.Fatalf("bob should not own alice's url")
	}
}

func TestRegistryChangeRotatesToken(t *testing.T) {
	r := NewRegistry("host", NewSessionManager(nil), nil)
	url, _ := r.Create("alice")

	rotated, err := r.Change("alice", url)
	if err != nil {
		t.Fatalf("Change: %v", err)
	}
	if rotated == url {
		t.Fatalf("Change returned the same url")
	}
	if r.Own("alice", url) {
		t.Fatalf("old url should no longer be owned after rotation")
	}
	if !r.Own("alice", rotated) {
		t.Fatalf("new url should be owned after rotation")
	}
}

func TestRegistryChangeUnowned(t *testing.T) {
	r := NewRegistry("host", NewSessionManager(nil), nil)
	if _, err := r.Change("alice", "http://host.onion/zzzz"); err != ErrNotOwned {
		t.Fatalf("Change on unowned url: err = %v, want ErrNotOwned", err)
	}
}

func TestRegistryDeleteUnowned(t *testing.T) {
	r := NewRegistry("host", NewSessionManager(nil), nil)
	if err := r.Delete("alice", "http://host.onion/zzzz"); err != ErrNotOwned {
		t.Fatalf("Delete on unowned url: err = %v, want ErrNotOwned", err)
	}
}

func TestRegistryCaseInsensitiveTokens(t *testing.T) {
	r := NewRegistry("host", NewSessionManager(nil), nil)
	url, _ := r.Create("alice")
	upper := strings.ToUpper(url)
	if !r.Own("alice", upper) {
		t.Fatalf("expected case-insensitive ownership check to pass")
	}
}

func TestRegistryUniquenessAcrossIdentities(t *testing.T) {
	r := NewRegistry("host", NewSessionManager(nil), nil)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		url, err := r.Create("identity")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[url] {
			t.Fatalf("duplicate url minted: %s", url)
		}
		seen[url] = true
	}
}

func TestRegistryPruneRespectsTTLAndOwnership(t *testing.T) {
	r := NewRegistry("host", NewSessionManager(nil), nil)
	url, _ := r.Create("alice")
	r.Delete("alice", url)
	r.MarkDisconnected("alice")

	r.Prune(time.Now())
	if !r.HasIdentity("alice") {
		t.Fatalf("identity pruned before its TTL elapsed")
	}

	r.Prune(time.Now().Add(identityTTL + time.Second))
	if r.HasIdentity("alice") {
		t.Fatalf("identity should have been pruned once its TTL elapsed")
	}
}

func TestRegistryPruneSkipsLiveSession(t *testing.T) {
	sessions := NewSessionManager(nil)
	s := NewSession("alice", false, nil, nil, nil)
	sessions.Add(s)

	r := NewRegistry("host", sessions, nil)
	url, _ := r.Create("alice")
	r.Delete("alice", url)
	r.MarkDisconnected("alice")

	r.Prune(time.Now().Add(identityTTL + time.Second))
	if !r.HasIdentity("alice") {
		t.Fatalf("identity with a live session must not be pruned")
	}
}
