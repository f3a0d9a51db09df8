// Package tunnel implements the per-connection CONNECT tunnel state
// machine: Accepted -> ConnectRequestRead -> Connecting -> (Rejecting |
// Tunneling) -> Closed. Each state is a set of asyncio.Poller callbacks
// that arm the next readiness registration before returning, the same
// style as the original's epoll_cb-dispatched state handlers.
package tunnel

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/relaymesh/connectproxy/internal/blocklist"
	"github.com/relaymesh/connectproxy/internal/dnsresolver"
	"github.com/relaymesh/connectproxy/internal/netutil"
	"github.com/relaymesh/connectproxy/internal/proxylog"
	"github.com/relaymesh/connectproxy/internal/runtime/asyncio"
	"github.com/relaymesh/connectproxy/internal/telemetry"
)

// isTransient reports whether a read/write error is a spurious non-blocking
// wakeup rather than a real failure, matching the original's "errno ==
// EAGAIN is not an error" rule. Only the read paths (the CONNECT read and
// the Tunneling read) consult it; the write paths treat every error as
// fatal. Anything else, including EINTR, is treated as a hard error.
func isTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// state identifies where a conn is in its lifecycle. It exists mainly for
// assertions and logging; the actual behavior at any moment is determined
// by which poller callback is currently armed, not by a switch over state.
type state int

const (
	stateAccepted state = iota
	stateConnectRequestRead
	stateConnecting
	stateRejecting
	stateTunneling
	stateClosed
)

// conn holds everything associated with one client's CONNECT tunnel
// attempt, a direct port of struct tunnel_conn plus the bookkeeping the
// original split across connecting_data_block and epoll_tunneling_cb.
type conn struct {
	st state

	clientFD    int
	clientDupFD int
	targetFD    int
	targetDupFD int

	clientHostPort string
	targetHost     string
	targetPort     string
	httpVersion    string
	targetHostPort string

	clientToTarget *directionalBuffer
	targetToClient *directionalBuffer

	halvesClosed int
	bytesToClient int64

	tunnelStart time.Time

	resolveTicket *dnsresolver.Ticket
	pendingAddrs  []dnsresolver.Addr
	nextAddr      int

	telemetryEligible bool
}

// Machine owns the shared dependencies every tunnel on a worker needs: its
// poller, the process-wide blocklist and resolver pool, and where to send
// telemetry and log lines. One Machine is constructed per worker goroutine
// in internal/workerpool, each wrapping its own Poller, while blocklist,
// resolver and telemetry are shared across all workers.
type Machine struct {
	poller    asyncio.Poller
	bufPool   *asyncio.BytePool
	blocklist *blocklist.List
	resolver  *dnsresolver.Pool
	telemetry *telemetry.Recorder
}

// NewMachine constructs a Machine bound to a single worker's poller.
func NewMachine(poller asyncio.Poller, bl *blocklist.List, resolver *dnsresolver.Pool, rec *telemetry.Recorder) *Machine {
	return &Machine{
		poller:    poller,
		bufPool:   asyncio.TunnelBufferPool(),
		blocklist: bl,
		resolver:  resolver,
		telemetry: rec,
	}
}

// Accept begins the state machine for a freshly accept4'd client
// descriptor, registering it for readability to read the CONNECT request.
func (m *Machine) Accept(clientFD int, clientHostPort string) {
	c := &conn{
		st:             stateAccepted,
		clientFD:       clientFD,
		targetFD:       -1,
		clientHostPort: clientHostPort,
		clientToTarget: newDirectionalBuffer(m.bufPool),
		targetToClient: newDirectionalBuffer(m.bufPool),
	}
	proxylog.Trace("received connection from %s", clientHostPort)
	m.armReadConnect(c)
}

func (m *Machine) armReadConnect(c *conn) {
	err := m.poller.Wait(c.clientFD, asyncio.Readable, c, true, false, func(p asyncio.Poller, datum any) {
		m.onClientReadableForConnect(datum.(*conn))
	})
	if err != nil {
		proxylog.Trace("failed to arm client socket of %s for CONNECT read: %v", c.clientHostPort, err)
		m.destroy(c)
	}
}

func (m *Machine) onClientReadableForConnect(c *conn) {
	buf := c.clientToTarget
	n, err := netutil.Read(c.clientFD, buf.free())
	if err != nil {
		if isTransient(err) {
			m.armReadConnect(c)
			return
		}
		proxylog.Trace("reading for CONNECT from %s failed: %v", c.clientHostPort, err)
		m.destroy(c)
		return
	}
	if n == 0 {
		proxylog.Trace("client %s closed the connection before sending full CONNECT message", c.clientHostPort)
		m.destroy(c)
		return
	}
	buf.advanceWrite(n)

	req, consumed, result := tryParseConnect(buf.pending())
	switch result {
	case parseMalformed:
		proxylog.Trace("couldn't parse CONNECT message from %s", c.clientHostPort)
		m.destroy(c)
		return
	case parseNeedMoreBytes:
		if len(buf.free()) == 0 {
			proxylog.Trace("no CONNECT message from %s until buffer is full", c.clientHostPort)
			m.destroy(c)
			return
		}
		m.armReadConnect(c)
		return
	}

	c.targetHost = req.host
	c.targetPort = req.port
	c.httpVersion = req.version
	c.targetHostPort = req.host + ":" + req.port
	c.st = stateConnectRequestRead

	// consumed bytes belong to the CONNECT request line and headers; any
	// bytes the client pipelined right after them belong to the tunneled
	// stream and must survive into the tunneling buffer once connected.
	leftover := append([]byte(nil), buf.pending()[consumed:]...)
	buf.readPos = 0
	buf.writePos = 0
	buf.seedFromLeftover(leftover)

	proxylog.Trace("received CONNECT request: %s %s", c.httpVersion, c.targetHostPort)
	m.enterConnecting(c)
}

func (m *Machine) destroy(c *conn) {
	if c.st == stateClosed {
		return
	}
	if c.telemetryEligible {
		m.telemetry.Record(c.targetHostPort, c.bytesToClient, time.Since(c.tunnelStart))
	}
	c.st = stateClosed

	if c.resolveTicket != nil {
		netutil.Close(c.resolveTicket.FD)
		c.resolveTicket = nil
	}
	if c.clientFD >= 0 {
		netutil.Close(c.clientFD)
	}
	if c.clientDupFD > 0 {
		netutil.Close(c.clientDupFD)
	}
	if c.targetFD >= 0 {
		netutil.Close(c.targetFD)
	}
	if c.targetDupFD > 0 {
		netutil.Close(c.targetDupFD)
	}
	if c.clientToTarget != nil {
		c.clientToTarget.release(m.bufPool)
	}
	if c.targetToClient != nil {
		c.targetToClient.release(m.bufPool)
	}
}
