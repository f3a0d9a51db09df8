// Package asyncio implements the readiness poller that drives the proxy's
// event loop: callers register interest in the readability or writability of
// a raw file descriptor together with an opaque datum and a callback, and the
// poller dispatches the callback when the kernel reports readiness.
//
// Three backends exist, selected by build tag through NewOSPoller: epoll
// (Linux), kqueue (BSD/Darwin), and a portable goroutine-driven fallback for
// everything else. All three satisfy the same Poller contract: registrations
// are one-shot or persistent, edge- or level-triggered, and a call to Wait
// for a descriptor that is already registered re-arms it in place (modify
// semantics) rather than failing.
package asyncio

import (
	"context"
	"errors"
)

// Direction is the readiness kind a registration waits for.
type Direction int

const (
	Readable Direction = iota
	Writable
)

func (d Direction) String() string {
	if d == Writable {
		return "writable"
	}
	return "readable"
}

// Callback is invoked by the poller goroutine when a registered descriptor
// becomes ready. It receives the Poller (so the handler can re-arm or
// deregister) and the opaque datum supplied at registration time.
type Callback func(p Poller, datum any)

// ErrInvalidRegistration is returned when Wait is called with a bad fd or a
// nil callback.
var ErrInvalidRegistration = errors.New("asyncio: invalid registration")

// Poller abstracts the platform-specific readiness backend. Exactly one
// registration may be outstanding per (fd, direction) pair at a time; the
// tunnel state machine relies on this to guarantee a descriptor never wakes
// up two closures concurrently.
type Poller interface {
	// Start begins servicing readiness events. It returns once the
	// backend is initialized; events are delivered on an internal
	// goroutine until ctx is canceled or Stop is called.
	Start(ctx context.Context) error

	// Stop tears down the backend and releases all registrations.
	Stop() error

	// Wait registers interest in dir on fd. If oneShot is set the
	// registration is consumed after a single delivery; otherwise the
	// caller must explicitly Deregister or re-Wait to change it.
	// edgeTriggered selects edge- over level-triggered delivery where
	// the backend supports it (epoll, kqueue); the fallback backend
	// treats every registration as level-triggered.
	Wait(fd int, dir Direction, datum any, oneShot, edgeTriggered bool, cb Callback) error

	// Deregister removes any registration for (fd, dir). It is not an
	// error to deregister a descriptor that has no registration.
	Deregister(fd int, dir Direction) error
}

// task is the internal bookkeeping record shared by every backend.
type task struct {
	datum         any
	cb            Callback
	oneShot       bool
	edgeTriggered bool
}

// regKey identifies one (descriptor, direction) registration slot. A single
// fd may hold at most one live registration per direction at a time.
type regKey struct {
	fd  int
	dir Direction
}
