package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relaymesh/connectproxy/internal/blocklist"
	"github.com/relaymesh/connectproxy/internal/dnsresolver"
	"github.com/relaymesh/connectproxy/internal/netutil"
	"github.com/relaymesh/connectproxy/internal/runtime/asyncio"
	"github.com/relaymesh/connectproxy/internal/telemetry"
)

func newTestMachine(t *testing.T, bl *blocklist.List, rec *telemetry.Recorder) (*Machine, func()) {
	t.Helper()
	poller := asyncio.NewOSPoller()
	ctx, cancel := context.WithCancel(context.Background())
	if err := poller.Start(ctx); err != nil {
		t.Fatal(err)
	}
	resolver := dnsresolver.New(2)
	m := NewMachine(poller, bl, resolver, rec)
	cleanup := func() {
		cancel()
		poller.Stop()
		resolver.Close()
	}
	return m, cleanup
}

func listenProxy(t *testing.T) (fd int, addr string) {
	t.Helper()
	fd, err := netutil.Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatal(err)
	}
	in4 := sa.(*unix.SockaddrInet4)
	return fd, fmt.Sprintf("127.0.0.1:%d", in4.Port)
}

func acceptOneClient(t *testing.T, listenFD int, listenAddr string) (net.Conn, int) {
	t.Helper()
	client, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		results, err := netutil.AcceptAll(listenFD)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) == 1 {
			return client, results[0].FD
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("accept never completed")
	return nil, -1
}

func readWithDeadline(t *testing.T, conn net.Conn, n int, d time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	buf := make([]byte, n)
	total := 0
	for total < n {
		k, err := conn.Read(buf[total:])
		if err != nil {
			t.Fatalf("read: %v (got %d/%d bytes: %q)", err, total, n, buf[:total])
		}
		total += k
	}
	return buf
}

func TestMachine_SuccessfulTunnelRelaysBothWaysAndRecordsTelemetry(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer target.Close()
	targetAccepted := make(chan net.Conn, 1)
	go func() {
		c, _ := target.Accept()
		targetAccepted <- c
	}()

	var telem bytes.Buffer
	m, cleanup := newTestMachine(t, nil, telemetry.NewWriter(&telem))
	defer cleanup()

	listenFD, listenAddr := listenProxy(t)
	defer netutil.Close(listenFD)

	client, clientFD := acceptOneClient(t, listenFD, listenAddr)
	defer client.Close()

	m.Accept(clientFD, client.LocalAddr().String())

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\n\r\n", target.Addr().String())
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	greeting := readWithDeadline(t, client, len("HTTP/1.1 200 Connection Established \r\n\r\n"), 2*time.Second)
	if !strings.Contains(string(greeting), "200 Connection Established") {
		t.Fatalf("unexpected greeting: %q", greeting)
	}

	var targetConn net.Conn
	select {
	case targetConn = <-targetAccepted:
	case <-time.After(2 * time.Second):
		t.Fatal("target never accepted a connection")
	}
	defer targetConn.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	got := readWithDeadline(t, targetConn, 4, 2*time.Second)
	if string(got) != "ping" {
		t.Fatalf("target received %q, want ping", got)
	}

	if _, err := targetConn.Write([]byte("pong!")); err != nil {
		t.Fatal(err)
	}
	got = readWithDeadline(t, client, 5, 2*time.Second)
	if string(got) != "pong!" {
		t.Fatalf("client received %q, want pong!", got)
	}

	// The tunnel is torn down (and its telemetry line written) only once
	// both directions have seen EOF, so both peers close.
	client.Close()
	targetConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for telem.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(telem.String(), "Size: 5 bytes") {
		t.Fatalf("telemetry line = %q, want it to report 5 bytes streamed to client", telem.String())
	}
}

func TestMachine_BlocklistedTargetIsRejectedWithoutTelemetry(t *testing.T) {
	bl, err := blocklist.Load(writeTestBlocklist(t, "blocked.example"))
	if err != nil {
		t.Fatal(err)
	}

	var telem bytes.Buffer
	m, cleanup := newTestMachine(t, bl, telemetry.NewWriter(&telem))
	defer cleanup()

	listenFD, listenAddr := listenProxy(t)
	defer netutil.Close(listenFD)

	client, clientFD := acceptOneClient(t, listenFD, listenAddr)
	defer client.Close()

	m.Accept(clientFD, client.LocalAddr().String())
	client.Write([]byte("CONNECT sub.blocked.example:443 HTTP/1.1\r\n\r\n"))

	resp := readWithDeadline(t, client, len("HTTP/1.1 400 Bad Request \r\n\r\n"), 2*time.Second)
	if !strings.Contains(string(resp), "400 Bad Request") {
		t.Fatalf("unexpected rejection response: %q", resp)
	}
	if telem.Len() != 0 {
		t.Fatalf("expected no telemetry for a rejected connection, got %q", telem.String())
	}
}

func TestMachine_UnresolvableTargetIsRejected(t *testing.T) {
	m, cleanup := newTestMachine(t, nil, nil)
	defer cleanup()

	listenFD, listenAddr := listenProxy(t)
	defer netutil.Close(listenFD)

	client, clientFD := acceptOneClient(t, listenFD, listenAddr)
	defer client.Close()

	m.Accept(clientFD, client.LocalAddr().String())
	client.Write([]byte("CONNECT this-host-should-not-resolve.invalid:443 HTTP/1.1\r\n\r\n"))

	resp := readWithDeadline(t, client, len("HTTP/1.1 400 Bad Request \r\n\r\n"), 2*time.Second)
	if !strings.Contains(string(resp), "400 Bad Request") {
		t.Fatalf("unexpected rejection response: %q", resp)
	}
}

func TestMachine_NonConnectRequestClosesSilently(t *testing.T) {
	m, cleanup := newTestMachine(t, nil, nil)
	defer cleanup()

	listenFD, listenAddr := listenProxy(t)
	defer netutil.Close(listenFD)

	client, clientFD := acceptOneClient(t, listenFD, listenAddr)
	defer client.Close()

	m.Accept(clientFD, client.LocalAddr().String())
	client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected silent close (n=0, EOF), got n=%d err=%v", n, err)
	}
}

func writeTestBlocklist(t *testing.T, entries ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/blocklist.txt"
	data := strings.Join(entries, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
