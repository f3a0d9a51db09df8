package tunnel

import (
	"time"

	"github.com/relaymesh/connectproxy/internal/netutil"
	"github.com/relaymesh/connectproxy/internal/proxylog"
	"github.com/relaymesh/connectproxy/internal/runtime/asyncio"
)

// enterTunneling dups both sockets so each direction's read and write ends
// can be armed in the poller independently (the original's rationale for
// dup() applies identically here: epoll keeps one interest mask per
// descriptor, and client-to-target reading must be able to be armed
// without disturbing a concurrently-armed target-to-client write on what
// would otherwise be the same descriptor).
func (m *Machine) enterTunneling(c *conn) {
	c.st = stateTunneling
	c.tunnelStart = time.Now()
	c.telemetryEligible = true

	dupClient, err := netutil.Dup(c.clientFD)
	if err != nil {
		proxylog.Trace("failed to dup client socket for %s: %v", c.clientHostPort, err)
		m.destroy(c)
		return
	}
	c.clientDupFD = dupClient

	dupTarget, err := netutil.Dup(c.targetFD)
	if err != nil {
		proxylog.Trace("failed to dup target socket for %s: %v", c.targetHostPort, err)
		m.destroy(c)
		return
	}
	c.targetDupFD = dupTarget

	greeting := c.httpVersion + " 200 Connection Established \r\n\r\n"
	buf := c.targetToClient
	buf.readPos = 0
	buf.writePos = copy(buf.data, greeting)

	if err := m.armWrite(c, true, buf, c.clientDupFD, c.targetFD); err != nil {
		proxylog.Trace("failed to arm client socket for 200 OK write on %s: %v", c.clientHostPort, err)
		m.destroy(c)
		return
	}

	// If the client pipelined bytes right after the CONNECT request, they
	// are already sitting in clientToTarget; forward them before waiting
	// to read any more from the client.
	if c.clientToTarget.hasPending() {
		proxylog.Trace("sending %d left over bytes after CONNECT", len(c.clientToTarget.pending()))
		if err := m.armWrite(c, false, c.clientToTarget, c.targetDupFD, c.clientFD); err != nil {
			proxylog.Trace("failed to arm target socket for leftover bytes on %s: %v", c.targetHostPort, err)
			m.destroy(c)
			return
		}
		return
	}

	if err := m.armRead(c, false, c.clientToTarget, c.clientFD, c.targetDupFD); err != nil {
		proxylog.Trace("failed to arm client socket for reading on %s: %v", c.clientHostPort, err)
		m.destroy(c)
	}
}

// direction describes which way a tunneling registration flows. isReply
// marks the target-to-client half, whose read bytes are counted for
// telemetry; the buffer itself is carried in buf.
type direction struct {
	isReply  bool // true: target -> client, false: client -> target
	buf      *directionalBuffer
	polledFD int
	otherFD  int
}

func (m *Machine) armRead(c *conn, isReply bool, buf *directionalBuffer, readFD, oppositeWriteFD int) error {
	d := direction{isReply: isReply, buf: buf, polledFD: readFD, otherFD: oppositeWriteFD}
	return m.poller.Wait(readFD, asyncio.Readable, tunnelEvent{c, d}, true, false, func(p asyncio.Poller, datum any) {
		ev := datum.(tunnelEvent)
		m.handleTunnelRead(ev.c, ev.d)
	})
}

func (m *Machine) armWrite(c *conn, isReply bool, buf *directionalBuffer, writeFD, oppositeReadFD int) error {
	d := direction{isReply: isReply, buf: buf, polledFD: writeFD, otherFD: oppositeReadFD}
	return m.poller.Wait(writeFD, asyncio.Writable, tunnelEvent{c, d}, true, false, func(p asyncio.Poller, datum any) {
		ev := datum.(tunnelEvent)
		m.handleTunnelWrite(ev.c, ev.d)
	})
}

// tunnelEvent is the datum threaded through a tunneling registration: the
// connection and which direction/buffer/descriptors this particular
// registration concerns.
type tunnelEvent struct {
	c *conn
	d direction
}

func (m *Machine) handleTunnelRead(c *conn, d direction) {
	n, err := netutil.Read(d.polledFD, d.buf.free())
	if err != nil {
		if isTransient(err) {
			if err := m.armRead(c, d.isReply, d.buf, d.polledFD, d.otherFD); err != nil {
				proxylog.Trace("failed to re-arm reading socket for tunnel (%s): %v", c.targetHostPort, err)
				m.destroy(c)
			}
			return
		}
		proxylog.Trace("read error on tunnel (%s): %v", c.targetHostPort, err)
		m.destroy(c)
		return
	}
	if n == 0 {
		m.handleHalfClose(c, d)
		return
	}

	d.buf.advanceWrite(n)
	if d.isReply {
		c.bytesToClient += int64(n)
	}

	if err := m.armWrite(c, d.isReply, d.buf, d.otherFD, d.polledFD); err != nil {
		proxylog.Trace("failed to arm writing socket for tunnel (%s): %v", c.targetHostPort, err)
		m.destroy(c)
	}
}

func (m *Machine) handleTunnelWrite(c *conn, d direction) {
	n, err := netutil.Write(d.polledFD, d.buf.pending())
	if err != nil {
		proxylog.Trace("write error on tunnel (%s): %v", c.targetHostPort, err)
		m.destroy(c)
		return
	}

	d.buf.advanceRead(n)
	if d.buf.hasPending() {
		// partial write: the TCP send buffer is full for a slow receiver,
		// wait for writability again before retrying the remainder.
		if err := m.armWrite(c, d.isReply, d.buf, d.polledFD, d.otherFD); err != nil {
			proxylog.Trace("failed to re-arm writing socket for tunnel (%s): %v", c.targetHostPort, err)
			m.destroy(c)
		}
		return
	}

	// everything queued has been sent; go back to reading from the
	// opposite descriptor (the one data flows in from on this side).
	if err := m.armRead(c, d.isReply, d.buf, d.otherFD, d.polledFD); err != nil {
		proxylog.Trace("failed to re-arm reading socket for tunnel (%s): %v", c.targetHostPort, err)
		m.destroy(c)
	}
}

// handleHalfClose propagates one side's EOF to the other as a write
// shutdown, tearing the whole connection down once both halves have
// closed. polledFD is the descriptor that hit EOF (never read from
// again); otherFD is the opposite side's write descriptor (its dup), which
// is shut down for writing so the opposite peer sees the EOF.
func (m *Machine) handleHalfClose(c *conn, d direction) {
	proxylog.Trace("peer closed connection on tunnel (%s)", c.targetHostPort)
	netutil.ShutdownRead(d.polledFD)
	netutil.ShutdownWrite(d.otherFD)

	c.halvesClosed++
	if c.halvesClosed >= 2 {
		proxylog.Trace("tunnel (%s) -> (%s) closed", c.clientHostPort, c.targetHostPort)
		m.destroy(c)
	}
}
