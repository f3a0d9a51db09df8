// Package proxylog provides the two logging verbosity levels the proxy
// uses: Info for events an operator watching the process should see, and
// Trace for the high-volume per-connection detail that the original C
// implementation compiled out of release builds via its DEBUG_LOG macro.
// Both write timestamped lines to stderr through the standard library log
// package, matching the rest of the module's ambient logging conventions.
package proxylog

import (
	"fmt"
	"log"
	"os"
)

func init() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.LUTC)
}

// Debug gates Trace output. It defaults to false; no command-line argument
// changes it.
var Debug = false

// Info logs an operator-facing event: a connection accepted, a host
// resolved, a tunnel torn down, a rejection sent. Always emitted.
func Info(format string, args ...any) {
	log.Printf("[LOG] %s", fmt.Sprintf(format, args...))
}

// Trace logs fine-grained per-connection detail useful only when
// debugging. It is a no-op unless Debug is true.
func Trace(format string, args ...any) {
	if !Debug {
		return
	}
	log.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}
