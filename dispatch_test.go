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
	"compress/gzip"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// readServerFrame reads one raw (unmasked) frame written by the server side
// of a session - the mirror image of buildClientFrame, since DecodeFrame
// itself refuses unmasked input and can't be reused here.
func readServerFrame(r *bufio.Reader) (opcode Opcode, final, compressed bool, payload []byte, err error) {
	var header [2]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return
	}
	final = header[0]&0x80 != 0
	compressed = header[0]&0x40 != 0
	opcode = Opcode(header[0] & 0x0F)
	length := uint64(header[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	payload = make([]byte, length)
	if length > 0 {
		_, err = io.ReadFull(r, payload)
	}
	return
}

// readServerMessage reassembles one complete message (TEXT + any
// CONTINUATIONs), inflating it if the first frame was compressed - the
// client side's view of what Session.SendText produces.
func readServerMessage(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	wasCompressed := false
	first := true
	for {
		opcode, final, compressed, payload, err := readServerFrame(r)
		if err != nil {
			return nil, err
		}
		if opcode == OpcodePing || opcode == OpcodePong {
			continue
		}
		if first {
			wasCompressed = compressed
			first = false
		}
		buf = append(buf, payload...)
		if final {
			break
		}
	}
	if wasCompressed {
		return inflate(buf)
	}
	return buf, nil
}

type testHarness struct {
	t        *testing.T
	gateway  *Gateway
	registry *Registry
	sessions *SessionManager
	session  *Session
	client   net.Conn
	clientR  *bufio.Reader
}

func newTestHarness(t *testing.T, compression bool) *testHarness {
	t.Helper()
	sessions := NewSessionManager(nil)
	registry := NewRegistry("exampleonionhost", sessions, nil)
	gateway := NewGateway(registry, sessions, nil, discardLogger{})

	server, client := net.Pipe()
	s := NewSession("identity0000000000000000000000000000000", compression, server, bufio.NewReader(server), discardLogger{})
	sessions.Add(s)

	h := &testHarness{t: t, gateway: gateway, registry: registry, sessions: sessions, session: s, client: client, clientR: bufio.NewReader(client)}
	go gateway.runSession(s)
	t.Cleanup(func() { client.Close() })
	return h
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}

func (h *testHarness) sendControl(raw string) {
	h.t.Helper()
	if _, err := h.client.Write(buildClientFrame(OpcodeText, true, false, []byte(raw))); err != nil {
		h.t.Fatalf("write control frame: %v", err)
	}
}

func (h *testHarness) recvMessage() []byte {
	h.t.Helper()
	msg, err := readServerMessage(h.clientR)
	if err != nil {
		h.t.Fatalf("read server message: %v", err)
	}
	return msg
}

func TestScenarioCreateAndCall(t *testing.T) {
	h := newTestHarness(t, false)

	h.sendControl(`{"Index":1,"Request":"Create URL"}`)
	resp := gjson.ParseBytes(h.recvMessage())
	if resp.Get("Index").Int() != 1 {
		t.Fatalf("response Index = %v", resp.Get("Index"))
	}
	url := resp.Get("Response").String()
	if !strings.HasPrefix(url, "http://exampleonionhost.onion/") {
		t.Fatalf("unexpected url: %s", url)
	}

	token, _ := splitPublicPath(strings.TrimPrefix(url, "http://exampleonionhost.onion"))

	req := httptest.NewRequest("POST", "/"+token+"/foo", strings.NewReader("hello"))
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.gateway.ServePublic(rec, req)
		close(done)
	}()

	invocation := gjson.ParseBytes(h.recvMessage())
	if invocation.Get("URL").String() != url {
		t.Fatalf("invocation URL = %s, want %s", invocation.Get("URL").String(), url)
	}
	if invocation.Get("API").String() != "/foo" {
		t.Fatalf("invocation API = %s, want /foo", invocation.Get("API").String())
	}
	if invocation.Get("Data").String() != "aGVsbG8=" {
		t.Fatalf("invocation Data = %s, want aGVsbG8=", invocation.Get("Data").String())
	}
	k := invocation.Get("Interaction").Int()

	reply := `{"Interaction":` + invocation.Get("Interaction").Raw + `,"Data":"d29ybGQ=","Status":200,"Type":"text/plain"}`
	h.sendControl(reply)

	// SendText of the Succeeded status frame blocks on the pipe until this
	// side reads it, so it must be drained before waiting on done.
	status := gjson.ParseBytes(h.recvMessage())
	<-done

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "world" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "world")
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("content-type = %q", rec.Header().Get("Content-Type"))
	}
	if status.Get("Interaction").Int() != k {
		t.Fatalf("status Interaction = %v, want %d", status.Get("Interaction"), k)
	}
	if status.Get("Status").String() != "Succeeded" {
		t.Fatalf("status Status = %s, want Succeeded", status.Get("Status").String())
	}
}

func TestScenarioUnownedDelete(t *testing.T) {
	h := newTestHarness(t, false)

	h.sendControl(`{"Index":2,"Request":"Delete URL","URL":"http://exampleonionhost.onion/zzzzzzzz"}`)
	resp := gjson.ParseBytes(h.recvMessage())
	if resp.Get("Error").String() != errURLNotOwned {
		t.Fatalf("Error = %s, want %s", resp.Get("Error").String(), errURLNotOwned)
	}
}

func TestScenarioSessionDeathDuringInflight(t *testing.T) {
	h := newTestHarness(t, false)

	h.sendControl(`{"Index":1,"Request":"Create URL"}`)
	resp := gjson.ParseBytes(h.recvMessage())
	url := resp.Get("Response").String()
	token, _ := splitPublicPath(strings.TrimPrefix(url, "http://exampleonionhost.onion"))

	req := httptest.NewRequest("POST", "/"+token+"/foo", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.gateway.ServePublic(rec, req)
		close(done)
	}()

	// Drain the invocation, then kill the session before it replies.
	h.recvMessage()
	h.client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ServePublic never returned after session death")
	}
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestScenarioGzipThreshold(t *testing.T) {
	h := newTestHarness(t, false)

	h.sendControl(`{"Index":1,"Request":"Create URL"}`)
	resp := gjson.ParseBytes(h.recvMessage())
	url := resp.Get("Response").String()
	token, _ := splitPublicPath(strings.TrimPrefix(url, "http://exampleonionhost.onion"))

	payload := strings.Repeat("x", 2000)

	req := httptest.NewRequest("POST", "/"+token+"/foo", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.gateway.ServePublic(rec, req)
		close(done)
	}()

	invocation := gjson.ParseBytes(h.recvMessage())
	reply := `{"Interaction":` + invocation.Get("Interaction").Raw + `,"Data":"` + base64.StdEncoding.EncodeToString([]byte(payload)) + `","Status":200}`
	h.sendControl(reply)

	h.recvMessage() // drain the Succeeded status frame, unblocking SendText
	<-done

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected Content-Encoding: gzip")
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	out, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	if string(out) != payload {
		t.Fatalf("decompressed body mismatch")
	}
}

func TestScenarioGzipSkippedBelowThreshold(t *testing.T) {
	h := newTestHarness(t, false)

	h.sendControl(`{"Index":1,"Request":"Create URL"}`)
	resp := gjson.ParseBytes(h.recvMessage())
	url := resp.Get("Response").String()
	token, _ := splitPublicPath(strings.TrimPrefix(url, "http://exampleonionhost.onion"))

	payload := strings.Repeat("x", 500)

	req := httptest.NewRequest("POST", "/"+token+"/foo", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.gateway.ServePublic(rec, req)
		close(done)
	}()

	invocation := gjson.ParseBytes(h.recvMessage())
	reply := `{"Interaction":` + invocation.Get("Interaction").Raw + `,"Data":"` + base64.StdEncoding.EncodeToString([]byte(payload)) + `","Status":200}`
	h.sendControl(reply)

	h.recvMessage() // drain the Succeeded status frame, unblocking SendText
	<-done

	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Fatalf("did not expect gzip below the threshold")
	}
	if rec.Body.String() != payload {
		t.Fatalf("body mismatch below threshold")
	}
}

func TestScenarioChangeURLRotation(t *testing.T) {
	h := newTestHarness(t, false)

	h.sendControl(`{"Index":1,"Request":"Create URL"}`)
	u := gjson.ParseBytes(h.recvMessage()).Get("Response").String()

	h.sendControl(`{"Index":2,"Request":"Change URL","URL":"` + u + `"}`)
	rotated := gjson.ParseBytes(h.recvMessage()).Get("Response").String()
	if rotated == u {
		t.Fatalf("Change URL returned the same url")
	}

	h.sendControl(`{"Index":3,"Request":"Own URL","URL":"` + u + `"}`)
	if gjson.ParseBytes(h.recvMessage()).Get("Response").Bool() {
		t.Fatalf("old url should no longer be owned")
	}

	h.sendControl(`{"Index":4,"Request":"Own URL","URL":"` + rotated + `"}`)
	if !gjson.ParseBytes(h.recvMessage()).Get("Response").Bool() {
		t.Fatalf("rotated url should be owned")
	}
}

func TestScenarioCompressedFrameRejectedWithoutNegotiation(t *testing.T) {
	h := newTestHarness(t, false)

	compressed, err := deflate([]byte(`{"Index":1,"Request":"Create URL"}`))
	if err != nil {
		t.Fatalf("deflate: %v", err)
	}
	h.client.Write(buildClientFrame(OpcodeText, true, true, compressed))

	// The session must be torn down without any message being sent back.
	h.client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = readServerMessage(h.clientR)
	if err == nil {
		t.Fatalf("expected the session to close without replying")
	}

	time.Sleep(50 * time.Millisecond)
	if h.sessions.Has(h.session.Identity) {
		t.Fatalf("session should have been removed from the session table")
	}
}
