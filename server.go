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
	"crypto/tls"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// corsPreflight writes the CORS preflight headers both HTTP surfaces answer
// OPTIONS with (§4.8).
func corsPreflight(allowedMethods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		w.WriteHeader(http.StatusOK)
	}
}

// LocalRouter builds the local upgrade endpoint's router (§4.8): GET on "/"
// attempts the handshake, any other GET 404s, OPTIONS answers the CORS
// preflight, every other method is rejected by the router itself.
func LocalRouter(g *Gateway) http.Handler {
	r := chi.NewRouter()
	r.Get("/", g.ServeUpgrade)
	r.Options("/*", corsPreflight("GET, OPTIONS"))
	return r
}

// PublicRouter builds the onion-facing endpoint's router (§4.8): POST on
// any path routes into the Dispatch Engine, OPTIONS answers the CORS
// preflight, every other method is rejected by the router itself.
func PublicRouter(g *Gateway) http.Handler {
	r := chi.NewRouter()
	r.Post("/*", g.ServePublic)
	r.Options("/*", corsPreflight("POST, OPTIONS"))
	return r
}

// TLSConfig loads an optional cert/key pair for the local endpoint (§4.8,
// §6: "cert and key required together"). Returns nil, nil when neither flag
// was given.
func TLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, errors.New("--cert and --key must be given together")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "load TLS certificate")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ServeLocal runs the local upgrade endpoint on listener, wrapping every
// accepted connection in TLS when tlsConfig is non-nil.
func ServeLocal(listener net.Listener, handler http.Handler, tlsConfig *tls.Config) error {
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	srv := &http.Server{Handler: handler}
	return srv.Serve(listener)
}

// ServePublicSurface runs the onion-facing endpoint on listener. The overlay
// already terminates the anonymity-network transport, so this surface is
// always plain HTTP (§4.7 step 3, §4.8).
func ServePublicSurface(listener net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler}
	return srv.Serve(listener)
}
