package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/atlas-command/meshbridge/internal/client"
	"github.com/atlas-command/meshbridge/internal/config"
	"github.com/atlas-command/meshbridge/internal/envelope"
	"github.com/atlas-command/meshbridge/internal/monitoring"
	"github.com/atlas-command/meshbridge/internal/radio"
)

// Exit codes shared with the embedding tooling.
const (
	exitOK              = 0
	exitConfigError     = 2
	exitTransport       = 3
	exitTimeout         = 4
	exitPayloadTooLarge = 5
)

func main() {
	var (
		debug    = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		command  = flag.String("command", "", "command to issue (e.g. list_entities)")
		dataJSON = flag.String("data", "", "JSON payload for the command")
	)
	flag.Parse()

	startup := log.New(os.Stdout, "[CL] ", log.LstdFlags)

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		startup.Printf("Failed to load configuration: %v", err)
		os.Exit(exitConfigError)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *command == "" {
		startup.Printf("-command is required")
		os.Exit(exitConfigError)
	}

	var data any
	if *dataJSON != "" {
		if err := json.Unmarshal([]byte(*dataJSON), &data); err != nil {
			startup.Printf("Invalid -data JSON: %v", err)
			os.Exit(exitConfigError)
		}
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   monitoring.LogLevel(cfg.LogLevel),
		Format:  monitoring.LogFormat(cfg.LogFormat),
		Service: "meshbridge-client",
	})

	var adapter radio.Adapter
	if cfg.Simulate {
		adapter = radio.NewSimBus().Attach(cfg.NodeID)
		logger.Warn().Msg("Running against a simulated radio bus")
	} else {
		adapter, err = radio.OpenSerial(cfg.RadioPort, cfg.RadioBaud, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open radio")
			os.Exit(exitTransport)
		}
	}

	cl, err := client.New(cfg, adapter, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to assemble client")
		os.Exit(exitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cl.Run(runCtx)
	}()

	resp, err := cl.Request(ctx, *command, data)
	code := exitOK
	switch {
	case err == nil:
		out, _ := json.MarshalIndent(map[string]any{
			"type":           resp.Type,
			"correlation_id": resp.CorrelationID,
			"data":           resp.Data,
		}, "", "  ")
		fmt.Println(string(out))
		if resp.Type == envelope.TypeError {
			code = exitTransport
		}
	case errors.Is(err, client.ErrTimeout):
		logger.Error().Err(err).Msg("Request timed out")
		code = exitTimeout
	case errors.Is(err, envelope.ErrPayloadTooLarge):
		logger.Error().Err(err).Msg("Payload too large for the mesh, use the HTTP API")
		code = exitPayloadTooLarge
	default:
		logger.Error().Err(err).Msg("Request failed")
		code = exitTransport
	}

	// Let straggler duplicates land and get acked before tearing down
	cl.Quiesce()

	cancel()
	<-done
	os.Exit(code)
}
