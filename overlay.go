package veilrelay

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// circuitPollInterval is how often the bootstrap re-sends the
// circuit-established query while waiting for the overlay to finish
// building its first circuit (§4.7 step 2).
const circuitPollInterval = 100 * time.Millisecond

// OverlayBootstrap drives the control-socket state machine that brings the
// onion service online (C7). It owns nothing beyond the control connection;
// the internal HTTP listener it binds is handed back to the caller, which
// wires it into the HTTP Surface.
type OverlayBootstrap struct {
	// ControlAddr is the address of the overlay daemon's control port
	// (e.g. "127.0.0.1:9051").
	ControlAddr string
	Log         Logger
}

// OverlayResult is what a successful Bootstrap produces: the onion hostname
// (without the ".onion" suffix) and the already-bound internal listener the
// onion service forwards to.
type OverlayResult struct {
	Hostname         string
	InternalListener net.Listener
}

// controlConn wraps the raw control socket with line-oriented helpers; the
// protocol here is entirely CRLF-delimited single-line commands and
// (possibly multi-line) "250-"/"250 " responses.
type controlConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialControl(addr string) (*controlConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial overlay control socket")
	}
	return &controlConn{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *controlConn) send(command string) error {
	_, err := c.conn.Write([]byte(command + "\r\n"))
	return err
}

// readLine reads one CRLF-terminated line, trimming the terminator.
func (c *controlConn) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Bootstrap runs the full §4.7 state machine: authenticate, wait for the
// overlay's first circuit, bind the internal HTTP listener, provision the
// onion service against it, and parse back the hostname it was assigned.
// Any step failing is fatal (§7: "Fatal, process-exit errors").
func (b *OverlayBootstrap) Bootstrap(internalAddr string) (*OverlayResult, error) {
	ctrl, err := dialControl(b.ControlAddr)
	if err != nil {
		return nil, err
	}

	if err := ctrl.send(`authenticate ""`); err != nil {
		return nil, errors.Wrap(err, "send authenticate")
	}
	if _, err := ctrl.readLine(); err != nil {
		return nil, errors.Wrap(err, "read authenticate response")
	}

	if err := b.waitForCircuit(ctrl); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", internalAddr)
	if err != nil {
		return nil, errors.Wrap(err, "bind internal http surface")
	}
	port := listener.Addr().(*net.TCPAddr).Port

	hostname, err := b.addOnion(ctrl, port)
	if err != nil {
		listener.Close()
		return nil, err
	}

	return &OverlayResult{Hostname: hostname, InternalListener: listener}, nil
}

// waitForCircuit polls getinfo status/circuit-established every
// circuitPollInterval until the overlay reports a built circuit.
func (b *OverlayBootstrap) waitForCircuit(ctrl *controlConn) error {
	for {
		if err := ctrl.send("getinfo status/circuit-established"); err != nil {
			return errors.Wrap(err, "send getinfo status/circuit-established")
		}
		line, err := ctrl.readLine()
		if err != nil {
			return errors.Wrap(err, "read circuit-established response")
		}
		if strings.HasPrefix(line, "250-status/circuit-established=1") {
			// Drain the terminating "250 OK" line before moving on.
			if _, err := ctrl.readLine(); err != nil {
				return errors.Wrap(err, "read circuit-established terminator")
			}
			return nil
		}
		if b.Log != nil {
			b.Log.Printf("overlay circuit not yet established: %q", line)
		}
		time.Sleep(circuitPollInterval)
	}
}

// addOnion provisions a fresh ephemeral onion service forwarding its public
// port 80 to internalPort, and parses the assigned hostname out of the
// "250-ServiceID=" line (§4.7 steps 4-5).
func (b *OverlayBootstrap) addOnion(ctrl *controlConn, internalPort int) (string, error) {
	cmd := fmt.Sprintf("ADD_ONION NEW:BEST Flags=DiscardPK Port=80,%d", internalPort)
	if err := ctrl.send(cmd); err != nil {
		return "", errors.Wrap(err, "send ADD_ONION")
	}
	for {
		line, err := ctrl.readLine()
		if err != nil {
			return "", errors.Wrap(err, "read ADD_ONION response")
		}
		if strings.HasPrefix(line, "250-ServiceID=") {
			return strings.TrimPrefix(line, "250-ServiceID="), nil
		}
		if strings.HasPrefix(line, "250 OK") {
			return "", errors.New("ADD_ONION succeeded without a ServiceID line")
		}
		if strings.HasPrefix(line, "5") {
			return "", errors.Errorf("ADD_ONION failed: %s", line)
		}
	}
}
