//go:build darwin || freebsd || netbsd || openbsd
// +build darwin freebsd netbsd openbsd

package asyncio

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin readiness backend. Unlike epoll, kqueue
// natively tracks EVFILT_READ and EVFILT_WRITE as independent list entries
// for the same ident, and EV_ONESHOT/EV_CLEAR map directly onto one-shot and
// edge-triggered registrations, so no extra bookkeeping is needed to keep
// the two directions from clobbering each other's flags.
type kqueuePoller struct {
	kq int

	mu   sync.RWMutex
	regs map[regKey]*task

	stop chan struct{}
	done chan struct{}
}

func newKqueuePoller() Poller { return &kqueuePoller{regs: make(map[regKey]*task)} }

// NewOSPoller (BSD/Darwin) returns a kqueue-backed Poller.
func NewOSPoller() Poller { return newKqueuePoller() }

func (p *kqueuePoller) Start(ctx context.Context) error {
	fd, err := unix.Kqueue()
	if err != nil {
		return err
	}
	p.kq = fd
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	if ctx == nil {
		ctx = context.Background()
	}
	go p.loop(ctx)
	return nil
}

func (p *kqueuePoller) Stop() error {
	if p.stop != nil {
		close(p.stop)
		<-p.done
		p.stop = nil
	}
	if p.kq > 0 {
		err := unix.Close(p.kq)
		p.kq = -1
		return err
	}
	return nil
}

func kqueueFilter(dir Direction) int16 {
	if dir == Writable {
		return unix.EVFILT_WRITE
	}
	return unix.EVFILT_READ
}

func (p *kqueuePoller) Wait(fd int, dir Direction, datum any, oneShot, edgeTriggered bool, cb Callback) error {
	if fd < 0 || cb == nil {
		return ErrInvalidRegistration
	}

	flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if oneShot {
		flags |= unix.EV_ONESHOT
	}
	if edgeTriggered {
		flags |= unix.EV_CLEAR
	}
	change := unix.Kevent_t{Ident: uint64(fd), Filter: kqueueFilter(dir), Flags: flags}

	key := regKey{fd, dir}
	p.mu.Lock()
	p.regs[key] = &task{datum: datum, cb: cb, oneShot: oneShot, edgeTriggered: edgeTriggered}
	p.mu.Unlock()

	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		p.mu.Lock()
		delete(p.regs, key)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *kqueuePoller) Deregister(fd int, dir Direction) error {
	del := unix.Kevent_t{Ident: uint64(fd), Filter: kqueueFilter(dir), Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{del}, nil, nil)
	p.mu.Lock()
	delete(p.regs, regKey{fd, dir})
	p.mu.Unlock()
	return nil
}

func (p *kqueuePoller) loop(ctx context.Context) {
	defer close(p.done)
	events := make([]unix.Kevent_t, 64)
	timeout := unix.NsecToTimespec(int64(100 * 1e6))
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Kevent(p.kq, nil, events, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			var dir Direction
			if ev.Filter == unix.EVFILT_WRITE {
				dir = Writable
			} else {
				dir = Readable
			}

			key := regKey{int(ev.Ident), dir}
			p.mu.RLock()
			t, ok := p.regs[key]
			p.mu.RUnlock()
			if !ok {
				continue
			}
			if t.oneShot {
				p.mu.Lock()
				delete(p.regs, key)
				p.mu.Unlock()
			}
			t.cb(p, t.datum)
		}
	}
}
