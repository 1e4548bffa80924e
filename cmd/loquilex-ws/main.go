// loquilex-ws is the LoquiLex real-time session server: it owns the
// streaming sessions, speaks the WebSocket envelope protocol to clients,
// and (optionally) consumes producer events from NATS.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/loquilex/loquilex/internal/clock"
	"github.com/loquilex/loquilex/internal/config"
	"github.com/loquilex/loquilex/internal/ingest"
	"github.com/loquilex/loquilex/internal/logging"
	"github.com/loquilex/loquilex/internal/metrics"
	"github.com/loquilex/loquilex/internal/session"
	"github.com/loquilex/loquilex/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		logger := logging.New("info", "json")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	clk := clock.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := metrics.NewSampler(cfg.MetricsInterval, logger)
	sampler.Start(ctx)

	manager := session.NewManager(cfg, clk, logger, sampler)
	manager.Start()

	var bridge *ingest.Bridge
	if cfg.NATSURL != "" {
		bridge, err = ingest.NewBridge(cfg.NATSURL, manager, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start ingest bridge")
		}
	}

	server := transport.NewServer(cfg, manager, logger)
	serveErr := server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err, ok := <-serveErr:
		if ok && err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	// Stop intake first, then sessions: the bus goes quiet, the HTTP edge
	// rejects new connections, and every session drains under the deadline.
	if bridge != nil {
		bridge.Close()
	}

	deadline := cfg.StopDeadline() + cfg.DrainDeadline() + 2*time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), deadline)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Session shutdown incomplete")
	}

	cancel()
	sampler.Stop()
	logger.Info().Msg("Shutdown complete")
}
