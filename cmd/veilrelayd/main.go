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

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/veilrelay/veilrelay"
)

// version is the build version string, reported by --version. Left as a
// constant rather than link-time ldflags injection since the teacher's
// build tooling doesn't do that either.
const version = "0.1.0"

// overlayControlAddr is the address of the embedded overlay daemon's
// control port. Not a CLI flag: §6 enumerates the flag surface exhaustively
// and does not include it.
const overlayControlAddr = "127.0.0.1:9051"

var (
	address = flag.String("address", "localhost", "Address the public HTTP surface listens on")
	port    = flag.Uint("port", 9061, "Port the public HTTP surface listens on")
	cert    = flag.String("cert", "", "PEM-formatted X509 certificate for the local upgrade endpoint")
	key     = flag.String("key", "", "PEM private key for the local upgrade endpoint")
	showVer = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of veilrelayd:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVer {
		fmt.Println("veilrelayd " + version)
		return
	}

	if (*cert == "") != (*key == "") {
		fmt.Fprintln(flag.CommandLine.Output(), "--cert and --key must be given together")
		flag.Usage()
		os.Exit(1)
	}
	if *port > 65535 {
		fmt.Fprintln(flag.CommandLine.Output(), "--port must fit in a uint16")
		flag.Usage()
		os.Exit(1)
	}

	log := veilrelay.NewLogrusLogger("veilrelayd")

	tlsConfig, err := veilrelay.TLSConfig(*cert, *key)
	if err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics := veilrelay.NewMetrics(reg)
	sessions := veilrelay.NewSessionManager(metrics)

	bootstrap := &veilrelay.OverlayBootstrap{ControlAddr: overlayControlAddr, Log: log}
	result, err := bootstrap.Bootstrap("localhost:0")
	if err != nil {
		log.Printf("FATAL: overlay bootstrap: %v", err)
		os.Exit(1)
	}
	log.Printf("onion service ready at %s.onion", result.Hostname)

	registry := veilrelay.NewRegistry(result.Hostname, sessions, metrics)
	gateway := veilrelay.NewGateway(registry, sessions, metrics, log)

	go gateway.RunKeepalive(context.Background())

	go func() {
		if err := veilrelay.ServePublicSurface(result.InternalListener, veilrelay.PublicRouter(gateway)); err != nil {
			log.Printf("FATAL: public surface: %v", err)
			os.Exit(1)
		}
	}()

	localAddr := net.JoinHostPort(*address, fmt.Sprint(*port))
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		log.Printf("FATAL: bind local endpoint %s: %v", localAddr, err)
		os.Exit(1)
	}
	log.Printf("local upgrade endpoint listening on %s", localAddr)
	if err := veilrelay.ServeLocal(listener, veilrelay.LocalRouter(gateway), tlsConfig); err != nil {
		log.Printf("FATAL: local endpoint: %v", err)
		os.Exit(1)
	}
}

