//go:build linux
// +build linux

package asyncio

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux readiness backend. One epoll instance is shared
// by every registration made on it; the event loop runs on a single
// goroutine started by Start.
type epollPoller struct {
	epfd int

	mu   sync.RWMutex
	regs map[regKey]*task

	stop chan struct{}
	done chan struct{}
}

func newEpollPoller() Poller {
	return &epollPoller{regs: make(map[regKey]*task)}
}

// NewOSPoller (linux) returns an epoll-backed Poller.
func NewOSPoller() Poller { return newEpollPoller() }

func (p *epollPoller) Start(ctx context.Context) error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = fd
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	if ctx == nil {
		ctx = context.Background()
	}
	go p.loop(ctx)
	return nil
}

func (p *epollPoller) Stop() error {
	if p.stop != nil {
		close(p.stop)
		<-p.done
		p.stop = nil
	}
	if p.epfd > 0 {
		err := unix.Close(p.epfd)
		p.epfd = -1
		return err
	}
	return nil
}

func epollEvents(dir Direction, oneShot, edgeTriggered bool) uint32 {
	var events uint32
	if dir == Readable {
		events = unix.EPOLLIN
	} else {
		events = unix.EPOLLOUT
	}
	if oneShot {
		events |= unix.EPOLLONESHOT
	}
	if edgeTriggered {
		events |= unix.EPOLLET
	}
	return events
}

func (p *epollPoller) Wait(fd int, dir Direction, datum any, oneShot, edgeTriggered bool, cb Callback) error {
	if fd < 0 || cb == nil {
		return ErrInvalidRegistration
	}

	t := &task{datum: datum, cb: cb, oneShot: oneShot, edgeTriggered: edgeTriggered}
	ev := unix.EpollEvent{Events: epollEvents(dir, oneShot, edgeTriggered), Fd: int32(fd)}

	p.mu.Lock()
	key := regKey{fd, dir}
	p.regs[key] = t
	p.mu.Unlock()

	// Try MOD first so re-arming an existing registration does not
	// require knowing whether it was previously added; fall back to ADD
	// for a descriptor seen for the first time.
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			p.mu.Lock()
			delete(p.regs, key)
			p.mu.Unlock()
			return err
		}
	}
	return nil
}

func (p *epollPoller) Deregister(fd int, dir Direction) error {
	p.mu.Lock()
	delete(p.regs, regKey{fd, dir})
	_, otherStillArmed := p.regs[regKey{fd, otherDirection(dir)}]
	p.mu.Unlock()

	if !otherStillArmed {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return nil
}

func otherDirection(dir Direction) Direction {
	if dir == Readable {
		return Writable
	}
	return Readable
}

func (p *epollPoller) loop(ctx context.Context) {
	defer close(p.done)
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.EpollWait(p.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			var dir Direction
			if ev.Events&unix.EPOLLOUT != 0 {
				dir = Writable
			} else {
				dir = Readable
			}

			p.mu.RLock()
			t, ok := p.regs[regKey{int(ev.Fd), dir}]
			p.mu.RUnlock()
			if !ok {
				continue
			}
			if t.oneShot {
				p.mu.Lock()
				delete(p.regs, regKey{int(ev.Fd), dir})
				p.mu.Unlock()
			}
			t.cb(p, t.datum)
		}
	}
}
