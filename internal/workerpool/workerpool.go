// Package workerpool runs the proxy's event-loop tier: a fixed number of
// goroutines, each owning a private asyncio.Poller and tunnel.Machine, all
// sharing one listening socket. The kernel's own wake-one behavior on an
// edge-triggered listening descriptor spreads accepted connections across
// workers without any user-space load-balancing logic, mirroring the
// original's decision to let epoll/kqueue do that work for free.
package workerpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/connectproxy/internal/blocklist"
	"github.com/relaymesh/connectproxy/internal/dnsresolver"
	"github.com/relaymesh/connectproxy/internal/netutil"
	"github.com/relaymesh/connectproxy/internal/proxylog"
	"github.com/relaymesh/connectproxy/internal/runtime/asyncio"
	"github.com/relaymesh/connectproxy/internal/telemetry"
	"github.com/relaymesh/connectproxy/internal/tunnel"
)

// Config bundles everything a Pool needs to start its workers.
type Config struct {
	ListenFD    int
	WorkerCount int
	Blocklist   *blocklist.List
	Resolver    *dnsresolver.Pool
	Telemetry   *telemetry.Recorder
}

// Pool owns one asyncio.Poller/tunnel.Machine pair per worker goroutine.
// Every pair registers the same listening descriptor; the blocklist,
// resolver pool and telemetry recorder are shared, immutable (or
// internally synchronized) dependencies handed to every Machine.
type Pool struct {
	cfg     Config
	pollers []asyncio.Poller
}

// New constructs a Pool from cfg without starting anything.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg}
}

// Run starts every worker and blocks until ctx is canceled or a worker
// reports a fatal error, at which point every other worker is stopped and
// the first error is returned. A canceled ctx with every worker stopping
// cleanly returns nil, the same "graceful shutdown is success" contract
// errgroup.WithContext gives the rest of the teacher's tooling.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.pollers = make([]asyncio.Poller, p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := i
		poller := asyncio.NewOSPoller()
		p.pollers[workerID] = poller

		if err := poller.Start(gctx); err != nil {
			return fmt.Errorf("worker %d: start poller: %w", workerID, err)
		}

		machine := tunnel.NewMachine(poller, p.cfg.Blocklist, p.cfg.Resolver, p.cfg.Telemetry)

		g.Go(func() error {
			return p.runWorker(gctx, workerID, poller, machine)
		})
	}

	err := g.Wait()
	for _, poller := range p.pollers {
		poller.Stop()
	}
	return err
}

// runWorker arms the shared listening socket on one worker's poller and
// waits for ctx to end. The actual accept/dispatch work happens entirely
// inside the onAcceptable callback, invoked from the poller's own
// goroutine; runWorker's job is just to keep the worker alive and tear it
// down on cancellation.
func (p *Pool) runWorker(ctx context.Context, workerID int, poller asyncio.Poller, machine *tunnel.Machine) error {
	listenFD := p.cfg.ListenFD
	onAcceptable := func(poller asyncio.Poller, datum any) {
		// Because the registration is edge-triggered and persistent, a
		// single wakeup can stand for more than one waiting connection,
		// so the accept loop must run to EAGAIN before returning.
		results, err := netutil.AcceptAll(listenFD)
		if err != nil {
			proxylog.Trace("worker %d: accept loop error: %v", workerID, err)
			return
		}
		for _, r := range results {
			machine.Accept(r.FD, r.HostPort)
		}
	}

	if err := poller.Wait(listenFD, asyncio.Readable, nil, false, true, onAcceptable); err != nil {
		return fmt.Errorf("worker %d: arm listening socket: %w", workerID, err)
	}
	proxylog.Trace("worker %d ready, sharing listen fd %d", workerID, listenFD)

	<-ctx.Done()
	return nil
}
