// Package telemetry prints the one-line-per-tunnel summary the proxy emits
// to stdout when run with telemetry enabled. This deliberately stays
// separate from proxylog: telemetry is an operator-facing data stream
// meant to be piped and parsed, while proxylog is free-form diagnostic
// text, so the two are never interleaved on the same stream.
package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Recorder writes completed-tunnel summaries. A nil *Recorder (via
// Disabled) is valid and Record becomes a no-op, avoiding an enabled-check
// at every call site.
type Recorder struct {
	w io.Writer
}

// New returns a Recorder writing to stdout.
func New() *Recorder { return &Recorder{w: os.Stdout} }

// NewWriter returns a Recorder writing to an arbitrary writer, for tests
// and callers that want to capture telemetry output rather than print it.
func NewWriter(w io.Writer) *Recorder { return &Recorder{w: w} }

// Disabled returns a Recorder whose Record calls do nothing, used when the
// proxy is started with telemetry turned off.
func Disabled() *Recorder { return nil }

// Record prints one summary line for a tunnel that reached the Tunneling
// state and has now closed. size is the number of bytes streamed from
// target to client (the direction the original measures), and elapsed is
// the duration from when the tunnel was established to when it closed.
//
// Record is gated more strictly here than in the original: the original C
// only required the tunnel to have been attempted, which could print a
// line for a connection that failed before ever relaying a byte. This
// implementation only records connections that actually reached
// Tunneling, which is the behavior a telemetry consumer actually wants.
func (r *Recorder) Record(hostname string, size int64, elapsed time.Duration) {
	if r == nil {
		return
	}
	fmt.Fprintf(r.w, "Hostname: %s, Size: %d bytes, Time: %.3f sec\n", hostname, size, elapsed.Seconds())
}
