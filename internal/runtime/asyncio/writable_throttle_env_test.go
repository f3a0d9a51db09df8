//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd

package asyncio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// TestWritableThrottling_EnvInterval verifies that
// CONNECTPROXY_FALLBACK_WRITABLE_INTERVAL_MS controls how often the portable
// fallback poller re-delivers a persistent Writable registration. The env
// var is read once per process via sync.Once, so it must be set before the
// first poller in the test binary touches a Writable registration.
func TestWritableThrottling_EnvInterval(t *testing.T) {
	t.Setenv("CONNECTPROXY_FALLBACK_WRITABLE_INTERVAL_MS", "10")

	p := NewDefaultPoller()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	clientFD, _, cleanup := loopbackPair(t)
	defer cleanup()

	var cnt int32
	if err := p.Wait(clientFD, Writable, nil, false, false, func(_ Poller, _ any) {
		atomic.AddInt32(&cnt, 1)
	}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&cnt); got < 8 {
		t.Fatalf("too few writable notifications with 10ms interval: got=%d", got)
	}
}
