// Command aosd runs a world daemon: it mounts the world at AOS_WORLD_ROOT,
// replays the journal to head, serves the control socket, and drives the
// stepper until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/smartcomputer-ai/agent-os/pkg/control"
	"github.com/smartcomputer-ai/agent-os/pkg/host"
	"github.com/smartcomputer-ai/agent-os/pkg/observability"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		profilePath = flag.String("profile", "", "optional YAML config profile")
		worldRoot   = flag.String("world", "", "world root directory (overrides AOS_WORLD_ROOT)")
	)
	flag.Parse()

	cfg := host.Load()
	if *profilePath != "" {
		if err := cfg.LoadProfile(*profilePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if *worldRoot != "" {
		cfg.WorldRoot = *worldRoot
		cfg.ManifestPath = filepath.Join(cfg.WorldRoot, "manifest.json")
	}

	logger := observability.NewLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName: "aosd",
		LogLevel:    cfg.LogLevel,
		Enabled:     os.Getenv("AOS_OTEL") == "true",
		OTLPEndpoint: func() string {
			if ep := os.Getenv("AOS_OTLP_ENDPOINT"); ep != "" {
				return ep
			}
			return "localhost:4317"
		}(),
		Insecure: true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	world, err := host.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("world open failed", "error", err)
		return 1
	}
	logger.Info("world open",
		"root", cfg.WorldRoot,
		"manifest", world.Kernel.ManifestHash().String(),
		"journal_height", world.Kernel.GetJournalHead().JournalHeight)

	if err := os.MkdirAll(filepath.Dir(cfg.ControlSocket), 0o755); err != nil {
		logger.Error("control socket dir", "error", err)
		return 1
	}
	_ = os.Remove(cfg.ControlSocket)
	listener, err := net.Listen("unix", cfg.ControlSocket)
	if err != nil {
		logger.Error("control socket listen failed", "socket", cfg.ControlSocket, "error", err)
		return 1
	}

	srv := control.NewServer(world.Kernel, world.Store(), cfg.AuthSecret, stop, logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, listener) }()
	logger.Info("control socket ready", "socket", cfg.ControlSocket)

	// Drive the stepper until shutdown.
	code := 0
	for {
		if err := world.RunToQuiescence(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("stepper error", "error", err)
			code = 1
			break
		}
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				logger.Error("control server failed", "error", err)
				code = 1
			}
		case <-time.After(250 * time.Millisecond):
			continue
		}
		break
	}

	_ = srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := world.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		code = 1
	}
	logger.Info("world closed")
	return code
}
