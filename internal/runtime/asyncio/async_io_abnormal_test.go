package asyncio

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestPoller_ConcurrentDeregisterAndStop checks that a Deregister racing
// with Stop neither deadlocks nor panics.
func TestPoller_ConcurrentDeregisterAndStop(t *testing.T) {
	clientFD, serverFD, cleanup := loopbackPair(t)
	defer cleanup()

	p := NewOSPoller()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var once sync.Once
	if err := p.Wait(serverFD, Readable, nil, true, false, func(_ Poller, _ any) {
		once.Do(wg.Done)
	}); err != nil {
		t.Fatal(err)
	}
	_, _ = unix.Write(clientFD, []byte("w"))

	done := make(chan struct{})
	go func() {
		_ = p.Deregister(serverFD, Readable)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	_ = p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for deregister to complete")
	}

	c := make(chan struct{})
	go func() { wg.Wait(); close(c) }()
	select {
	case <-c:
	case <-time.After(time.Second):
		// The important invariant is the absence of a deadlock above; the
		// callback racing Stop is allowed to lose.
	}
}

// TestPoller_StopIsIdempotent mirrors the original C poll_destroy's
// tolerance of being called on an already-torn-down poller during shutdown.
func TestPoller_StopIsIdempotent(t *testing.T) {
	p := NewOSPoller()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

// TestPoller_WaitAfterStopDoesNotPanic exercises the shutdown race where a
// connection closes its descriptor mid-teardown while a worker is still
// tearing the poller down.
func TestPoller_WaitAfterStopDoesNotPanic(t *testing.T) {
	_, serverFD, cleanup := loopbackPair(t)
	defer cleanup()

	p := NewOSPoller()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = p.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Wait after Stop panicked: %v", r)
		}
	}()
	_ = p.Wait(serverFD, Readable, nil, true, false, func(Poller, any) {})
}
