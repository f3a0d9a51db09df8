// Package netutil wraps the raw, non-blocking socket operations the tunnel
// state machine drives directly: creating the shared listening socket,
// draining its accept backlog, connecting to a resolved target address
// without blocking, and duplicating a descriptor so its read and write
// halves can be armed independently in the poller. Every function operates
// on bare file descriptors rather than net.Conn, since the asyncio.Poller
// contract is fd-based and the tunnel never wants the stdlib's buffering or
// deadline machinery getting between it and the kernel.
package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ListenBacklog matches the original CONNECT_BACKLOG: deep enough that a
// burst of incoming connections does not get refused by the kernel before
// the worker pool's accept loop can drain it.
const ListenBacklog = 512

// Listen creates a non-blocking IPv4 TCP listening socket bound to port on
// all interfaces. The returned descriptor is shared read-only across every
// worker's poller; only one of them will win any given accept4 call.
func Listen(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("create listening socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind listening socket to port %d: %w", port, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// AcceptResult is one drained connection from AcceptAll.
type AcceptResult struct {
	FD       int
	HostPort string
}

// AcceptAll calls accept4 repeatedly until it would block, returning every
// connection pulled off the backlog in one pass. The listening socket is
// registered edge-triggered, so unlike level-triggered readiness a single
// wakeup may represent more than one waiting connection; callers must drain
// fully or risk never being woken for the rest.
func AcceptAll(listenFD int) ([]AcceptResult, error) {
	var out []AcceptResult
	for {
		fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return out, nil
			}
			return out, err
		}
		out = append(out, AcceptResult{FD: fd, HostPort: sockaddrHostPort(sa)})
	}
}

// Connect starts a non-blocking connect to addr:port over a freshly
// created socket. The returned descriptor must be registered for
// writability; CheckConnected determines whether the connection actually
// succeeded once that writability notification fires.
func Connect(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EAGAIN {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// CheckConnected reports whether a non-blocking connect finished
// successfully. It follows the original implementation's approach of
// calling getpeername rather than reading SO_ERROR: on Linux both detect a
// failed connect equally well once the socket is writable, and getpeername
// keeps the Go code a literal mirror of the C it was ported from.
func CheckConnected(fd int) bool {
	_, err := unix.Getpeername(fd)
	return err == nil
}

// Dup duplicates fd so its two directions (read vs. write) can be armed in
// the poller independently, mirroring dup() in the original tunneling state
// entry. The duplicate shares the same underlying socket and its
// shutdown/close calls are independent per side only with respect to which
// end of the full-duplex stream a half-close targets.
func Dup(fd int) (int, error) {
	return unix.Dup(fd)
}

// ShutdownRead and ShutdownWrite half-close a descriptor in one direction,
// used when a tunneled peer stops sending and the proxy propagates the
// half-close to the other side without tearing down the whole connection.
func ShutdownRead(fd int) error  { return unix.Shutdown(fd, unix.SHUT_RD) }
func ShutdownWrite(fd int) error { return unix.Shutdown(fd, unix.SHUT_WR) }

// Close closes a raw descriptor, ignoring EBADF from a descriptor that was
// already closed by a concurrent half of the same connection.
func Close(fd int) error {
	err := unix.Close(fd)
	if err == unix.EBADF {
		return nil
	}
	return err
}

// Read and Write are thin wrappers so tunnel code has one import for every
// raw socket operation it needs; both report io.EOF-equivalent conditions
// the same way the raw syscalls do (n==0, err==nil on EOF).
func Read(fd int, p []byte) (int, error)  { return unix.Read(fd, p) }
func Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }

func sockaddrHostPort(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	default:
		return "unknown"
	}
}

// HostPort formats a resolved IPv4 address and port the same way
// sockaddrHostPort does, for use once a target address has been chosen
// from a resolver result but before a socket exists to ask getpeername.
func HostPort(addr [4]byte, port int) string {
	ip := net.IPv4(addr[0], addr[1], addr[2], addr[3])
	return fmt.Sprintf("%s:%d", ip.String(), port)
}
