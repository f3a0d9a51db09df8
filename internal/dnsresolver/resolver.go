// Package dnsresolver implements the out-of-band asynchronous hostname
// resolution the connecting state waits on: a small fixed pool of worker
// goroutines drains a shared FIFO of lookup requests, each completed
// through a dedicated socketpair descriptor the caller can arm in its
// Poller for readability, exactly as lib/asyncaddrinfo does in the
// original with a pthread pool and per-request socketpair(2) completion
// channel.
//
// Unlike the C original, the result itself does not need to be marshaled
// through the completion descriptor: Go workers and callers share one
// address space, so the descriptor here is used purely as the readiness
// signal it always conceptually was, while the resolved addresses travel
// back via a regular pointer stashed in the Ticket returned from Submit.
package dnsresolver

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Addr is a resolved IPv4 address and port, the only address family this
// proxy ever dials (IPv6 is an explicit non-goal).
type Addr struct {
	IP   [4]byte
	Port int
}

// Result is the outcome of a lookup, delivered once the Ticket's
// completion descriptor becomes readable.
type Result struct {
	Addrs []Addr
	Err   error
}

// Ticket represents one outstanding resolution. FD becomes readable when
// Result is populated; callers should arm it one-shot readable in their
// Poller and call Collect once it fires.
type Ticket struct {
	FD     int
	result Result
}

// Collect drains the completion byte and returns the resolution outcome.
// It must only be called after the Poller reports FD readable.
func (t *Ticket) Collect() Result {
	var b [1]byte
	_, _ = unix.Read(t.FD, b[:])
	_ = unix.Close(t.FD)
	return t.result
}

type job struct {
	host, port string
	writeFD    int
	result     *Result
}

// Pool is the fixed-size resolution worker pool, sized at startup from a
// fraction of the process's total thread budget the same way main.c
// reserves thread_count/4 (floor 1) threads for asyncaddrinfo and the rest
// for connection handling.
type Pool struct {
	jobs chan job
	sem  *semaphore.Weighted
	stop context.CancelFunc
}

// QueueDepth bounds how many resolutions may be outstanding at once,
// enforced by a weighted semaphore so a burst of CONNECT requests queues
// up memory-boundedly instead of spawning unbounded goroutines or growing
// an unbounded channel.
const QueueDepth = 4096

// New starts workerCount resolver goroutines. workerCount must be at least
// 1; main derives it from the configured thread count before calling New.
func New(workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs: make(chan job, QueueDepth),
		sem:  semaphore.NewWeighted(QueueDepth),
		stop: cancel,
	}
	for i := 0; i < workerCount; i++ {
		go p.worker(ctx)
	}
	return p
}

// Close cancels the worker goroutines and closes the job channel. A worker
// exits as soon as it observes either, so jobs still queued at that moment
// are not resolved and their Tickets never become readable. Submit must not
// be called after Close.
func (p *Pool) Close() {
	p.stop()
	close(p.jobs)
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.resolve(j)
		}
	}
}

func (p *Pool) resolve(j job) {
	defer p.sem.Release(1)
	addrs, err := lookupIPv4(j.host)
	if err != nil {
		j.result.Err = err
	} else {
		port := parsePort(j.port)
		for _, ip := range addrs {
			j.result.Addrs = append(j.result.Addrs, Addr{IP: ip, Port: port})
		}
	}
	var b [1]byte
	_, _ = unix.Write(j.writeFD, b[:])
	_ = unix.Close(j.writeFD)
}

// Submit enqueues a hostname resolution and returns a Ticket whose FD the
// caller registers for readability. The semaphore acquire blocks the
// calling goroutine (the connecting state's own worker) only when
// QueueDepth outstanding resolutions are already queued, which under
// normal load never happens.
func (p *Pool) Submit(host, port string) (*Ticket, error) {
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("creating resolution completion socketpair: %w", err)
	}

	t := &Ticket{FD: fds[0]}
	select {
	case p.jobs <- job{host: host, port: port, writeFD: fds[1], result: &t.result}:
	default:
		// channel full despite the semaphore admitting us: queue depth and
		// channel capacity are kept equal, so this should not happen, but
		// fail safely rather than block indefinitely.
		unix.Close(fds[0])
		unix.Close(fds[1])
		p.sem.Release(1)
		return nil, fmt.Errorf("resolver queue full")
	}
	return t, nil
}

func lookupIPv4(host string) ([][4]byte, error) {
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err != nil {
		return nil, err
	}
	out := make([][4]byte, 0, len(ips))
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		out = append(out, [4]byte{v4[0], v4[1], v4[2], v4[3]})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no IPv4 addresses found for %s", host)
	}
	return out, nil
}

func parsePort(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
