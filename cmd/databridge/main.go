// Command databridge runs the IoT data bridge: it loads a configuration
// document and the two catalogs it references, then starts the ingest,
// mapping, resolution, and egress pipeline until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldbridge/databridge/internal/catalog"
	"github.com/fieldbridge/databridge/internal/config"
	"github.com/fieldbridge/databridge/internal/supervisor"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

const (
	exitOK              = 0
	exitOther           = 1
	exitConfigInvalid   = 2
	exitCatalogRefError = 3
)

func main() {
	var (
		cfgPath     = flag.String("config", envOr("DATABRIDGE_CONFIG", "config.yaml"), "path to the bridge configuration document")
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics and /healthz on")
		logLevel    = flag.String("log-level", envOr("DATABRIDGE_LOG_LEVEL", "info"), "log level override: debug, info, warn, error")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(log)

	os.Exit(run(*cfgPath, *metricsAddr, log))
}

func run(cfgPath, metricsAddr string, log *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.ServeAsync(ctx, metricsAddr, log)

	sup, err := supervisor.Build(cfgPath, reg, log)
	if err != nil {
		return exitCodeFor(err, log)
	}

	log.Info("databridge starting", "config", cfgPath, "metrics_addr", metricsAddr)
	if err := sup.Run(ctx); err != nil {
		log.Error("pipeline exited with error", "error", err)
		return exitOther
	}

	log.Info("databridge shut down cleanly")
	return exitOK
}

func exitCodeFor(err error, log *slog.Logger) int {
	switch {
	case errors.Is(err, catalog.ErrCatalogReference):
		log.Error("catalog reference error", "error", err)
		return exitCatalogRefError
	case errors.Is(err, config.ErrConfigInvalid), errors.Is(err, catalog.ErrCatalogInvalid):
		log.Error("configuration error", "error", err)
		return exitConfigInvalid
	default:
		log.Error("unhandled startup error", "error", err)
		return exitOther
	}
}

// envOr returns the named environment variable when set, else fallback.
// The environment only overrides flag defaults; an explicit flag wins.
func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
