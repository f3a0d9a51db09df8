// Command connectproxy is the CLI entry point for the CONNECT tunneling
// proxy: it validates argv, builds a proxyserver.ProxyServer, and runs it
// until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaymesh/connectproxy/internal/proxylog"
	"github.com/relaymesh/connectproxy/internal/proxyserver"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := proxyserver.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connectproxy: %v\n", err)
		return 1
	}

	srv, err := proxyserver.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connectproxy: %v\n", err)
		return 1
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		proxylog.Info("fatal: %v", err)
		return 1
	}
	return 0
}
