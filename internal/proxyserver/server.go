package proxyserver

import (
	"context"
	"fmt"

	"github.com/relaymesh/connectproxy/internal/blocklist"
	"github.com/relaymesh/connectproxy/internal/dnsresolver"
	"github.com/relaymesh/connectproxy/internal/netutil"
	"github.com/relaymesh/connectproxy/internal/proxylog"
	"github.com/relaymesh/connectproxy/internal/telemetry"
	"github.com/relaymesh/connectproxy/internal/workerpool"
)

// ProxyServer owns the listening socket and every shared dependency the
// worker pool's tunnel machines need, and is the single object cmd/connectproxy
// constructs and runs.
type ProxyServer struct {
	cfg       Config
	listenFD  int
	blocklist *blocklist.List
	resolver  *dnsresolver.Pool
	telemetry *telemetry.Recorder
	pool      *workerpool.Pool
}

// New performs every fallible piece of startup a real process needs before
// it can begin accepting connections: binding the listening socket and
// loading the blocklist file. Failures here are the "fatal startup error,
// exit non-zero" cases; nothing past this point can fail in a way that
// should stop the whole process.
func New(cfg Config) (*ProxyServer, error) {
	bl, err := blocklist.Load(cfg.BlocklistPath)
	if err != nil {
		return nil, fmt.Errorf("could not read blocklist: %w", err)
	}

	listenFD, err := netutil.Listen(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("could not start listening: %w", err)
	}

	rec := telemetry.Disabled()
	if cfg.TelemetryEnabled {
		rec = telemetry.New()
	}

	resolver := dnsresolver.New(cfg.ResolverThreads)

	s := &ProxyServer{
		cfg:       cfg,
		listenFD:  listenFD,
		blocklist: bl,
		resolver:  resolver,
		telemetry: rec,
	}
	s.pool = workerpool.New(workerpool.Config{
		ListenFD:    listenFD,
		WorkerCount: cfg.ConnectionThreads,
		Blocklist:   bl,
		Resolver:    resolver,
		Telemetry:   rec,
	})
	return s, nil
}

// Run logs the same startup banner the original printed to stdout, then
// blocks running the worker pool until ctx is canceled. Run only returns
// once every worker has stopped; the caller is responsible for closing the
// listening socket and resolver pool afterward via Close.
func (s *ProxyServer) Run(ctx context.Context) error {
	proxylog.Info("listening port:             %d", s.cfg.Port)
	proxylog.Info("telemetry enabled:          %t", s.cfg.TelemetryEnabled)
	proxylog.Info("path to blocklist file:     %s", s.cfg.BlocklistPath)
	proxylog.Info("number of blocklist entries: %d", s.blocklist.Len())
	proxylog.Info("connection threads:         %d", s.cfg.ConnectionThreads)
	proxylog.Info("resolver threads:           %d", s.cfg.ResolverThreads)
	proxylog.Info("accepting requests")

	return s.pool.Run(ctx)
}

// Close releases the listening socket and resolver pool. It must be called
// after Run has returned.
func (s *ProxyServer) Close() {
	s.resolver.Close()
	netutil.Close(s.listenFD)
}
