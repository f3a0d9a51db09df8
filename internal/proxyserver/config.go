// Package proxyserver wires the blocklist, resolver pool, worker pool and
// telemetry recorder into a single runnable server, and owns the argument
// parsing rules the original CLI enforced.
package proxyserver

import (
	"fmt"
	"strconv"
)

const (
	defaultThreadCount = 8
	minThreadCount     = 2
)

// Config is the fully validated set of inputs a ProxyServer needs to start.
// It is built by ParseArgs from the process's positional arguments, never
// by hand, so every field has already passed the same checks main.c ran.
type Config struct {
	Port              uint16
	TelemetryEnabled  bool
	BlocklistPath     string
	ConnectionThreads int
	ResolverThreads   int
}

// ParseArgs validates argv[1:] against the proxy's fixed positional
// grammar: "<port> <telemetry:0|1> <blocklist-path> [thread-count]".
// Any failure returns an error with a message suitable for printing
// straight to stderr; it never calls os.Exit itself so callers (tests
// included) can inspect the failure.
func ParseArgs(args []string) (Config, error) {
	if len(args) < 3 || len(args) > 4 {
		return Config{}, fmt.Errorf("usage: connectproxy <port> <telemetry:0|1> <blocklist-path> [thread-count]")
	}

	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil || port == 0 {
		return Config{}, fmt.Errorf("failed to parse port number %q", args[0])
	}

	var telemetryEnabled bool
	switch args[1] {
	case "0":
		telemetryEnabled = false
	case "1":
		telemetryEnabled = true
	default:
		return Config{}, fmt.Errorf("expected telemetry flag to be either 0 or 1, got %q", args[1])
	}

	blocklistPath := args[2]

	threadCount := defaultThreadCount
	if len(args) == 4 {
		n, err := strconv.Atoi(args[3])
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse thread count %q", args[3])
		}
		if n < minThreadCount {
			return Config{}, fmt.Errorf("at least %d threads are required", minThreadCount)
		}
		threadCount = n
	}

	// A quarter of the threads (floor, minimum 1) resolve DNS; the rest
	// drive event loops.
	resolverThreads := threadCount / 4
	if resolverThreads < 1 {
		resolverThreads = 1
	}
	connectionThreads := threadCount - resolverThreads

	return Config{
		Port:              uint16(port),
		TelemetryEnabled:  telemetryEnabled,
		BlocklistPath:     blocklistPath,
		ConnectionThreads: connectionThreads,
		ResolverThreads:   resolverThreads,
	}, nil
}
