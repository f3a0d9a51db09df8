package dnsresolver

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func waitReadable(t *testing.T, fd int, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	var b [1]byte
	for time.Now().Before(deadline) {
		n, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK)
		if n > 0 {
			return
		}
		_ = err
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("completion descriptor never became readable")
}

func TestSubmit_ResolvesLoopback(t *testing.T) {
	p := New(2)
	defer p.Close()

	ticket, err := p.Submit("localhost", "443")
	if err != nil {
		t.Fatal(err)
	}
	waitReadable(t, ticket.FD, 2*time.Second)

	res := ticket.Collect()
	if res.Err != nil {
		t.Fatalf("unexpected resolution error: %v", res.Err)
	}
	if len(res.Addrs) == 0 {
		t.Fatal("expected at least one resolved address for localhost")
	}
	for _, a := range res.Addrs {
		if a.Port != 443 {
			t.Fatalf("Addr.Port = %d, want 443", a.Port)
		}
	}
}

func TestSubmit_UnresolvableHostReturnsError(t *testing.T) {
	p := New(1)
	defer p.Close()

	ticket, err := p.Submit("this-host-should-not-resolve.invalid", "80")
	if err != nil {
		t.Fatal(err)
	}
	waitReadable(t, ticket.FD, 2*time.Second)

	res := ticket.Collect()
	if res.Err == nil {
		t.Fatal("expected resolution error for an invalid hostname")
	}
}

func TestParsePort(t *testing.T) {
	cases := map[string]int{
		"443": 443,
		"80":  80,
		"":    0,
		"abc": 0,
	}
	for in, want := range cases {
		if got := parsePort(in); got != want {
			t.Errorf("parsePort(%q) = %d, want %d", in, got, want)
		}
	}
}
