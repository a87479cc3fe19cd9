package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/atlas-command/meshbridge/internal/config"
	"github.com/atlas-command/meshbridge/internal/gateway"
	"github.com/atlas-command/meshbridge/internal/monitoring"
	"github.com/atlas-command/meshbridge/internal/radio"
)

// Exit codes shared with the embedding tooling.
const (
	exitOK          = 0
	exitConfigError = 2
	exitTransport   = 3
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for startup, before the structured logger exists
	startup := log.New(os.Stdout, "[GW] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from container CPU limits (side effect import)
	startup.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		startup.Printf("Failed to load configuration: %v", err)
		os.Exit(exitConfigError)
	}

	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   monitoring.LogLevel(cfg.LogLevel),
		Format:  monitoring.LogFormat(cfg.LogFormat),
		Service: "meshbridge-gateway",
	})
	cfg.LogConfig(logger)

	var adapter radio.Adapter
	if cfg.Simulate {
		// A lone simulated gateway is only useful for poking at the
		// metrics surface; real simulations share a bus in tests.
		adapter = radio.NewSimBus().Attach(cfg.NodeID)
		logger.Warn().Msg("Running against a simulated radio bus")
	} else {
		adapter, err = radio.OpenSerial(cfg.RadioPort, cfg.RadioBaud, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open radio")
			os.Exit(exitTransport)
		}
	}

	executor := gateway.NewHTTPExecutor(cfg.APIBaseURL, cfg.APIToken, 0, logger)

	gw, err := gateway.New(cfg, adapter, executor, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to assemble gateway")
		os.Exit(exitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Gateway exited with error")
		os.Exit(exitTransport)
	}
	os.Exit(exitOK)
}
