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
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

// maxSafeInteger bounds Index and Interaction fields (§3, §4.4): the
// JS-safe-integer range, not the full int64 range.
const maxSafeInteger = (int64(1) << 53) - 1

// gzipThreshold is the minimum decoded body size the public response path
// will spend CPU compressing (§4.4 step on client reply handling).
const gzipThreshold = 1000

// urlDoesNotExistSentinel is what an empty Data field decodes to: a
// zero-length body answered with 404, distinct from a zero-length body the
// client genuinely wants echoed verbatim.
var urlDoesNotExistSentinel = []byte{}

// invocation is the JSON shape sent to the client when a public request is
// dispatched into its session (§6). Built with jsoniter rather than sjson
// since every field is known up front and none of them are foreign/opaque.
type invocation struct {
	Interaction uint64 `json:"Interaction"`
	URL         string `json:"URL"`
	API         string `json:"API"`
	Type        string `json:"Type"`
	Data        string `json:"Data"`
}

// Gateway wires the Session table, URL Registry and metrics together and
// implements the Dispatch Engine (C4): the correlator between the local
// upgrade endpoint and the onion-facing public endpoint.
type Gateway struct {
	Registry *Registry
	Sessions *SessionManager
	Metrics  *Metrics
	Log      Logger
}

// NewGateway builds a Gateway over an already-constructed Registry and
// SessionManager.
func NewGateway(registry *Registry, sessions *SessionManager, metrics *Metrics, log Logger) *Gateway {
	return &Gateway{Registry: registry, Sessions: sessions, Metrics: metrics, Log: log}
}

// validIndexOrInteraction validates that r holds a number in [0, 2^53-1]
// with no fractional component, the shared rule for both the Index and
// Interaction identifier fields (§3, §4.4).
func validIndexOrInteraction(r gjson.Result) (int64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	f := r.Num
	if f < 0 || f > float64(maxSafeInteger) {
		return 0, false
	}
	n := int64(f)
	if float64(n) != f {
		return 0, false
	}
	return n, true
}

// ServeUpgrade is the local endpoint's GET handler (§4.2, §4.8): performs
// the handshake, registers the session and runs its read loop until the
// transport or protocol gives out. Blocks for the lifetime of the
// connection, matching the teacher's per-connection goroutine-per-task
// pattern.
func (g *Gateway) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	s, err := Upgrade(w, r, g.Registry, g.Sessions, g.Log)
	if err != nil {
		g.Log.Printf("upgrade failed: %v", err)
		http.Error(w, "bad handshake", http.StatusBadRequest)
		return
	}
	g.Sessions.Add(s)
	g.runSession(s)
}

// runSession reads decoded messages off s until the transport closes or a
// protocol violation is raised, dispatching each to handleClientMessage and
// writing back whatever it returns. On exit the session is torn down
// exactly once (§4.2, §7 tier 1).
func (g *Gateway) runSession(s *Session) {
	for {
		msg, err := s.ReadMessage()
		if err != nil {
			if IsProtocolViolation(err) {
				g.Log.Printf("session %s: %v", s.Identity, err)
			}
			break
		}
		reply := g.handleClientMessage(s, msg)
		if reply == nil {
			continue
		}
		if err := s.SendText(reply); err != nil {
			break
		}
	}
	g.teardown(s)
}

// teardown completes every pending interaction with not-found, deregisters
// the session and starts the identity's empty-entry TTL clock if it now
// owns nothing (§4.2, §4.6, §7 tier 1).
func (g *Gateway) teardown(s *Session) {
	s.Close()
	s.CancelAllInteractions()
	g.Sessions.Remove(s)
	g.Registry.MarkDisconnected(s.Identity)
}

// handleClientMessage implements the §4.4 ingress decision tree for one
// decoded client→server text message: exactly one of the two message
// shapes, or a structured error. Returns the frame payload to send back, or
// nil if nothing should be sent immediately — an interaction reply's
// Succeeded/Failed status is deferred until the public response drains
// (§4.4, §5), so its own success path returns nil here.
func (g *Gateway) handleClientMessage(s *Session, raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return bareError(errNotJSON)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return bareError(errNotJSON)
	}

	if indexField := parsed.Get("Index"); indexField.Exists() {
		index, ok := validIndexOrInteraction(indexField)
		if !ok {
			return bareError(errInvalidIndexParameter)
		}
		return g.handleControlRequest(s, index, parsed)
	}
	if interactionField := parsed.Get("Interaction"); interactionField.Exists() {
		id, ok := validIndexOrInteraction(interactionField)
		if !ok {
			return bareError(errInvalidInteractionParameter)
		}
		return g.handleInteractionReply(s, uint64(id), parsed)
	}
	return bareError(errUnknownMessageType)
}

// handleControlRequest is shape 1 of §4.4: a `{"Index":N,"Request":...}`
// control verb. index has already been validated by the caller.
func (g *Gateway) handleControlRequest(s *Session, index int64, parsed gjson.Result) []byte {
	requestField := parsed.Get("Request")
	if !requestField.Exists() {
		return indexError(index, errMissingRequestParameter)
	}
	if requestField.Type != gjson.String {
		return indexError(index, errInvalidRequestParameter)
	}
	value, errStr := runControlVerb(g.Registry, s.Identity, requestField.Str, parsed.Get("URL"))
	if errStr != "" {
		if g.Metrics != nil {
			g.Metrics.ControlErrors.WithLabelValues(errStr).Inc()
		}
		return indexError(index, errStr)
	}
	return indexResponse(index, value)
}

// handleInteractionReply is shape 2 of §4.4: the client's answer to a
// previously-dispatched invocation. id has already been validated.
func (g *Gateway) handleInteractionReply(s *Session, id uint64, parsed gjson.Result) []byte {
	pending, ok := s.PopInteraction(id)
	if !ok {
		return interactionError(id, errInteractionGone)
	}
	if g.Metrics != nil {
		g.Metrics.PendingInteractions.Set(float64(s.PendingCount()))
	}

	// A missing or malformed Data field is a control-channel error only:
	// the interaction has already been popped, and (matching the source)
	// the public request is left to block rather than forcing a reply it
	// never got from the client.
	dataField := parsed.Get("Data")
	if !dataField.Exists() {
		return interactionError(id, errMissingDataParameter)
	}
	if dataField.Type != gjson.String {
		return interactionError(id, errInvalidDataParameter)
	}

	var decoded []byte
	if dataField.Str == "" {
		decoded = urlDoesNotExistSentinel
	} else {
		d, err := base64.StdEncoding.DecodeString(dataField.Str)
		if err != nil {
			return interactionError(id, errInvalidDataParameter)
		}
		decoded = d
	}

	status := 200
	if statusField := parsed.Get("Status"); statusField.Exists() {
		if n, ok := validIndexOrInteraction(statusField); ok && n >= 0 {
			status = int(n)
		}
	}
	msgType := "text/html"
	if typeField := parsed.Get("Type"); typeField.Exists() && typeField.Type == gjson.String {
		msgType = typeField.Str
	}

	pending.Done <- &InteractionReply{
		NotFound: len(decoded) == 0 && dataField.Str == "",
		Status:   status,
		Type:     msgType,
		Data:     decoded,
	}
	// No immediate reply: the Succeeded/Failed status is sent only once the
	// public response has drained, from writePublicResponse (§4.4, §5).
	return nil
}

// splitPublicPath splits a request path of the form "/<token>/<api...>" into
// the token and the api-path (including its leading slash, or "/" if the
// request named only the token), per §4.4's public-ingress path rule.
func splitPublicPath(path string) (token, api string) {
	trimmed := strings.TrimPrefix(path, "/")
	i := strings.IndexByte(trimmed, '/')
	if i < 0 {
		return trimmed, "/"
	}
	return trimmed[:i], trimmed[i:]
}

// ServePublic is the onion-facing endpoint's POST handler (§4.4, §4.8):
// looks up the owning session for the requested token, dispatches an
// invocation over its control session and blocks until the client replies
// or the public peer disconnects first.
func (g *Gateway) ServePublic(w http.ResponseWriter, r *http.Request) {
	token, api := splitPublicPath(r.URL.Path)
	fullURL := g.Registry.url(token)

	identity, ok := g.Registry.Lookup(fullURL)
	if !ok {
		http.NotFound(w, r)
		return
	}
	session, ok := g.Sessions.Get(identity)
	if !ok {
		http.NotFound(w, r)
		return
	}

	id, err := session.NextInteractionID()
	if err != nil {
		http.Error(w, "interaction space exhausted", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessagePayload+1))
	if err != nil || len(body) > maxMessagePayload {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html"
	}

	inv := invocation{
		Interaction: id,
		URL:         fullURL,
		API:         api,
		Type:        contentType,
		Data:        base64.StdEncoding.EncodeToString(body),
	}
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(inv)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	pending := newPendingRequest()
	if err := session.AddInteraction(id, pending); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if g.Metrics != nil {
		g.Metrics.PendingInteractions.Set(float64(session.PendingCount()))
	}

	if err := session.SendText(payload); err != nil {
		session.RemoveInteraction(id)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	var reply *InteractionReply
	select {
	case reply = <-pending.Done:
	case <-r.Context().Done():
		// The public peer went away first: drop the interaction silently,
		// no reply is ever sent for it (§4.4 step 4, §5 cancellation (a)).
		session.RemoveInteraction(id)
		if g.Metrics != nil {
			g.Metrics.PublicRequestsTotal.WithLabelValues("client_gone").Inc()
		}
		return
	}

	if reply.NotFound {
		http.NotFound(w, r)
		if g.Metrics != nil {
			g.Metrics.PublicRequestsTotal.WithLabelValues("not_found").Inc()
		}
		return
	}

	g.writePublicResponse(w, r, session, id, reply)
}

// writePublicResponse sends the client's decoded reply as the public HTTP
// response, applying the gzip threshold rule, then reports completion back
// over the control session (§4.4 "client reply handling").
func (g *Gateway) writePublicResponse(w http.ResponseWriter, r *http.Request, session *Session, id uint64, reply *InteractionReply) {
	body := reply.Data
	useGzip := len(body) >= gzipThreshold && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")

	if len(body) != 0 {
		w.Header().Set("Content-Type", reply.Type)
	}

	var drainErr error
	if useGzip {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		w.WriteHeader(reply.Status)
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			drainErr = err
		} else if err := gz.Close(); err != nil {
			drainErr = err
		} else if _, err := w.Write(buf.Bytes()); err != nil {
			drainErr = err
		}
	} else {
		w.WriteHeader(reply.Status)
		if _, err := w.Write(body); err != nil {
			drainErr = err
		}
	}

	if g.Metrics != nil {
		g.Metrics.PublicRequestsTotal.WithLabelValues("served").Inc()
	}

	if drainErr != nil {
		if err := session.SendText(interactionStatus(id, "Failed")); err != nil {
			g.Log.Printf("session %s: interaction %d failed-status write: %v", session.Identity, id, err)
		}
		g.teardown(session)
		return
	}
	if err := session.SendText(interactionStatus(id, "Succeeded")); err != nil {
		g.teardown(session)
	}
}
