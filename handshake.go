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
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// websocketMagicKey is appended to the client's Sec-WebSocket-Key before
// hashing to produce Sec-WebSocket-Accept (RFC 6455 §1.3).
const websocketMagicKey = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// identityCookieName is the host-bound-prefixed cookie name the handshake
// reads and sets (§6). The __Host- prefix itself is what requires Secure,
// Path=/ and no Domain attribute, which the rest of the cookie already
// satisfies.
const identityCookieName = "__Host-Listener_ID"

// identityCookieMaxAge is 4*52*7*24*3600 seconds (four years of weeks), the
// literal value spec.md §4.2/§6 specifies.
const identityCookieMaxAge = 4 * 52 * 7 * 24 * 3600

// ErrBadHandshake is returned when the upgrade request is missing or has
// invalid required headers. The caller should respond 400 and must not
// treat this as a protocol violation (no session exists yet to tear down).
var ErrBadHandshake = errors.New("invalid upgrade handshake")

func acceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketMagicKey))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func offersExtension(r *http.Request, name string) bool {
	for _, v := range r.Header.Values("Sec-WebSocket-Extensions") {
		for _, part := range strings.Split(v, ",") {
			params := strings.Split(part, ";")
			if len(params) > 0 && strings.EqualFold(strings.TrimSpace(params[0]), name) {
				return true
			}
		}
	}
	return false
}

func resolveIdentity(r *http.Request, registry *Registry, sessions *SessionManager) (string, error) {
	if c, err := r.Cookie(identityCookieName); err == nil {
		candidate := c.Value
		if isAlphanumeric(candidate) && registry.HasIdentity(candidate) && !sessions.Has(candidate) {
			return candidate, nil
		}
	}
	return sessions.GenerateUnusedIdentity()
}

// Upgrade performs the handshake contract of §4.2: validates the upgrade
// headers, resolves the session identity from the request cookie (or
// mints a fresh one), negotiates permessage-deflate, hijacks the
// connection, writes the 101 response (with the identity cookie set) and
// returns the new Session. The returned Session has not yet been
// registered with sessions/registry - the caller does that once the
// handshake succeeds, matching the teacher's pattern of constructing state
// before publishing it.
func Upgrade(w http.ResponseWriter, r *http.Request, registry *Registry, sessions *SessionManager, log Logger) (*Session, error) {
	if !httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") {
		return nil, errors.Wrap(ErrBadHandshake, "missing Connection: upgrade")
	}
	if !httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket") {
		return nil, errors.Wrap(ErrBadHandshake, "missing Upgrade: websocket")
	}
	clientKey := r.Header.Get("Sec-WebSocket-Key")
	if clientKey == "" {
		return nil, errors.Wrap(ErrBadHandshake, "missing Sec-WebSocket-Key")
	}

	identity, err := resolveIdentity(r, registry, sessions)
	if err != nil {
		return nil, errors.Wrap(err, "resolve identity")
	}
	compression := offersExtension(r, "permessage-deflate")

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, errors.Wrap(err, "hijack connection")
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + acceptKey(clientKey) + "\r\n")
	if compression {
		b.WriteString("Sec-WebSocket-Extensions: permessage-deflate; server_no_context_takeover; client_no_context_takeover\r\n")
	}
	b.WriteString("Set-Cookie: " + identityCookieName + "=" + identity +
		"; Max-Age=" + strconv.Itoa(identityCookieMaxAge) +
		"; HttpOnly; Secure; SameSite=None; Priority=High; Path=/; Partitioned\r\n")
	b.WriteString("\r\n")

	if _, err := rw.WriteString(b.String()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "write upgrade response")
	}
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "flush upgrade response")
	}

	reader := rw.Reader
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	return NewSession(identity, compression, conn, reader, log), nil
}
