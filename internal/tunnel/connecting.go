package tunnel

import (
	"github.com/relaymesh/connectproxy/internal/netutil"
	"github.com/relaymesh/connectproxy/internal/proxylog"
	"github.com/relaymesh/connectproxy/internal/runtime/asyncio"
)

// enterConnecting checks the blocklist and, if the target is allowed,
// submits it for async resolution. Everything from here until Tunneling
// or Rejecting happens off this call stack, driven by poller callbacks.
func (m *Machine) enterConnecting(c *conn) {
	c.st = stateConnecting

	if m.blocklist != nil {
		if matched, blocked := m.blocklist.Blocked(c.targetHost); blocked {
			proxylog.Info("blocked target %q as it matches %q", c.targetHost, matched)
			m.rejectRequest(c)
			return
		}
	}

	ticket, err := m.resolver.Submit(c.targetHost, c.targetPort)
	if err != nil {
		proxylog.Trace("failed to submit resolution for %s: %v", c.targetHostPort, err)
		m.rejectRequest(c)
		return
	}
	c.resolveTicket = ticket

	err = m.poller.Wait(ticket.FD, asyncio.Readable, c, true, false, func(p asyncio.Poller, datum any) {
		m.onResolveReadable(datum.(*conn))
	})
	if err != nil {
		proxylog.Trace("failed to arm resolver completion fd for %s: %v", c.targetHostPort, err)
		m.rejectRequest(c)
	}
}

func (m *Machine) onResolveReadable(c *conn) {
	res := c.resolveTicket.Collect()
	c.resolveTicket = nil
	if res.Err != nil {
		proxylog.Info("host resolution for (%s) -> (%s) failed: %v", c.clientHostPort, c.targetHostPort, res.Err)
		m.rejectRequest(c)
		return
	}
	proxylog.Info("host resolution succeeded for (%s) -> (%s)", c.clientHostPort, c.targetHostPort)
	c.pendingAddrs = res.Addrs
	c.nextAddr = 0
	m.connectToTarget(c)
}

// connectToTarget tries each resolved address in turn, advancing past one
// on any immediate socket/connect error, and waits for writability to
// learn whether the one it starts is actually reachable.
func (m *Machine) connectToTarget(c *conn) {
	for c.nextAddr < len(c.pendingAddrs) {
		addr := c.pendingAddrs[c.nextAddr]
		c.nextAddr++

		fd, err := netutil.Connect(addr.IP, addr.Port)
		if err != nil {
			continue
		}

		c.targetFD = fd
		err = m.poller.Wait(fd, asyncio.Writable, c, true, false, func(p asyncio.Poller, datum any) {
			m.onConnectWritable(datum.(*conn))
		})
		if err != nil {
			proxylog.Trace("failed to arm target socket into poller: %v", err)
			netutil.Close(fd)
			c.targetFD = -1
			continue
		}
		return
	}

	proxylog.Info("failed to connect to target %s: no more addresses to try", c.targetHostPort)
	m.rejectRequest(c)
}

func (m *Machine) onConnectWritable(c *conn) {
	if !netutil.CheckConnected(c.targetFD) {
		netutil.Close(c.targetFD)
		c.targetFD = -1
		m.connectToTarget(c)
		return
	}
	proxylog.Info("connected to %s", c.targetHostPort)
	m.enterTunneling(c)
}

// rejectRequest prepares and arms the 4xx response write. The response is
// built directly into the target-to-client buffer, the same buffer
// tunneling writes reuse, since a rejected connection never reaches the
// tunneling state.
func (m *Machine) rejectRequest(c *conn) {
	c.st = stateRejecting
	body := c.httpVersion + " 400 Bad Request \r\n\r\n"
	buf := c.targetToClient
	buf.readPos = 0
	buf.writePos = copy(buf.data, body)

	m.armRejectionWrite(c)
}

func (m *Machine) armRejectionWrite(c *conn) {
	err := m.poller.Wait(c.clientFD, asyncio.Writable, c, true, false, func(p asyncio.Poller, datum any) {
		m.onRejectionWritable(datum.(*conn))
	})
	if err != nil {
		proxylog.Trace("failed to arm client socket of %s for 4xx write: %v", c.clientHostPort, err)
		m.destroy(c)
	}
}

func (m *Machine) onRejectionWritable(c *conn) {
	buf := c.targetToClient
	n, err := netutil.Write(c.clientFD, buf.pending())
	if err != nil {
		proxylog.Info("failed to write 4xx response for (%s) -> (%s): %v", c.clientHostPort, c.targetHostPort, err)
		m.destroy(c)
		return
	}
	buf.advanceRead(n)
	if buf.hasPending() {
		m.armRejectionWrite(c)
		return
	}
	m.destroy(c)
}
