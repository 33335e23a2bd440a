package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/streamvis/bridge/internal/config"
	"github.com/streamvis/bridge/internal/logger"
)

// These variables are set at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	config.SetVersion(version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		logger.Info("Received termination signal, shutting down gracefully...",
			zap.String("signal", sig.String()))
		cancel()
	}()

	needsBlocking := waitsForShutdown(os.Args)

	Execute(ctx)

	if needsBlocking {
		<-ctx.Done()
		logger.Info("Bridge has shut down.")
		time.Sleep(1 * time.Second) // Give time for logs to flush
	}
}

// waitsForShutdown reports whether the invocation runs a long-lived server
// that should block until the context is cancelled. Only `start` does, and
// not when it is merely printing help.
func waitsForShutdown(args []string) bool {
	if len(args) < 2 || args[1] != "start" {
		return false
	}
	for _, arg := range args[2:] {
		if arg == "--help" || arg == "-h" {
			return false
		}
	}
	return true
}
