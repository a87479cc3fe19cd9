// Package gateway assembles the bridge's gateway role: it receives request
// envelopes from mesh clients, executes them against the HTTP API exactly
// once, and carries responses back with the same reliability guarantees.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/config"
	"github.com/atlas-command/meshbridge/internal/dedupe"
	"github.com/atlas-command/meshbridge/internal/dispatch"
	"github.com/atlas-command/meshbridge/internal/envelope"
	"github.com/atlas-command/meshbridge/internal/monitoring"
	"github.com/atlas-command/meshbridge/internal/outbox"
	"github.com/atlas-command/meshbridge/internal/radio"
	"github.com/atlas-command/meshbridge/internal/reassembly"
	"github.com/atlas-command/meshbridge/internal/reliability"
)

// Gateway owns the long-lived resources of the gateway role.
type Gateway struct {
	cfg    *config.Config
	logger zerolog.Logger

	adapter    radio.Adapter
	assembler  *reassembly.Assembler
	engine     *reliability.Engine
	receiver   *reliability.Receiver
	outbox     *outbox.Outbox
	cache      *dedupe.Cache
	pool       *dispatch.WorkerPool
	dispatcher *dispatch.Dispatcher
	executor   Executor

	metricsSrv *http.Server

	wg sync.WaitGroup
}

// New wires a gateway over an already-open radio adapter and executor.
func New(cfg *config.Config, adapter radio.Adapter, exec Executor, logger zerolog.Logger) (*Gateway, error) {
	strategy, err := reliability.ParseStrategy(cfg.ReliabilityMethod)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		adapter:  adapter,
		executor: exec,
	}

	g.assembler = reassembly.New(logger, reassembly.Options{})
	g.engine = reliability.NewEngine(reliability.Config{
		SegmentSize:         cfg.SegmentSize,
		Strategy:            strategy,
		Timeout:             cfg.Timeout,
		AbsoluteCap:         cfg.PostResponseTimeout,
		ChunkDelayThreshold: cfg.ChunkDelayThreshold,
		ChunkDelay:          cfg.ChunkDelay,
	}, adapter.Send, logger)
	g.receiver = reliability.NewReceiver(reliability.ReceiverConfig{
		Strategy:      strategy,
		NackMaxPerSeq: cfg.NackMaxPerSeq,
		NackInterval:  cfg.NackInterval,
	}, g.assembler, adapter.Send, logger)

	g.outbox, err = outbox.Open(outbox.Options{
		Path:         cfg.SpoolPath,
		Retries:      cfg.Retries,
		ClearOnStart: cfg.ClearSpool,
	}, g.engine.Transmit, logger)
	if err != nil {
		return nil, err
	}

	g.cache = dedupe.New(dedupe.Options{TTL: cfg.DedupeTTL}, logger)

	g.pool = dispatch.NewWorkerPool(runtime.GOMAXPROCS(0)*2, 0, logger)
	g.dispatcher = dispatch.New(adapter, g.engine, g.receiver, g.outbox, g.pool, g.handleRequest, logger)

	return g, nil
}

// handleRequest is the dispatcher's request path: dedupe, execute, respond.
func (g *Gateway) handleRequest(ctx context.Context, sender string, req *envelope.Envelope) (*envelope.Envelope, error) {
	resp, cached, err := g.cache.Execute(ctx, req, func(ctx context.Context) (*envelope.Envelope, error) {
		result, err := g.executor.Execute(ctx, req.Command, req.Data)
		if err != nil {
			return nil, err
		}
		return envelope.NewResponse(req, result), nil
	})
	if err != nil || resp == nil {
		return nil, err
	}

	if cached {
		// The original response may still be spooled and retrying; a
		// second record for the same id would double-track it.
		if g.outbox.Pending(resp.ID) {
			g.logger.Debug().
				Str("id", resp.ID).
				Msg("Response already in flight, duplicate suppressed")
			return nil, nil
		}
		// Re-serve under a fresh id, keeping the correlation id and
		// data: the correlation id is what the caller keys on.
		resp = &envelope.Envelope{
			ID:            envelope.NewID(),
			Type:          resp.Type,
			Priority:      resp.Priority,
			CorrelationID: resp.CorrelationID,
			Data:          resp.Data,
			Meta:          resp.Meta,
		}
	}
	return resp, nil
}

// Run starts all gateway loops and blocks until ctx is cancelled, then
// shuts down cleanly: the dispatcher drains, in-flight fsyncs complete,
// and the radio is released. In-flight HTTP calls are cancelled via ctx
// and their responses are not spooled.
func (g *Gateway) Run(ctx context.Context) error {
	monitoring.RegisterMetrics()

	g.logger.Info().
		Str("node_id", g.cfg.NodeID).
		Msg("Gateway starting")

	g.pool.Start(ctx)

	g.spawn(func() { g.dispatcher.Run(ctx) })
	g.spawn(func() { g.engine.Run(ctx) })
	g.spawn(func() { g.receiver.Run(ctx) })
	g.spawn(func() { g.assembler.Run(ctx) })
	g.spawn(func() { g.pollLoop(ctx) })

	if monitor, err := monitoring.NewSystemMonitor(g.logger); err == nil {
		g.spawn(func() { monitor.Run(ctx, g.cfg.MetricsInterval) })
	} else {
		g.logger.Warn().Err(err).Msg("System monitor unavailable")
	}

	g.startMetricsServer()

	// Replay anything the previous process left behind
	g.outbox.ReplayOnStartup(ctx)

	<-ctx.Done()
	return g.shutdown()
}

// pollLoop is the gateway's heartbeat: flush the outbox and sweep the
// caches on every tick.
func (g *Gateway) pollLoop(ctx context.Context) {
	interval := g.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.outbox.Flush(ctx)
			g.cache.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) startMetricsServer() {
	if g.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	g.metricsSrv = &http.Server{Addr: g.cfg.MetricsAddr, Handler: mux}
	g.spawn(func() {
		g.logger.Info().Str("addr", g.cfg.MetricsAddr).Msg("Metrics server listening")
		if err := g.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("Metrics server failed")
		}
	})
}

func (g *Gateway) shutdown() error {
	g.logger.Info().Msg("Gateway shutting down")

	if g.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = g.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	_ = g.adapter.Close()
	g.dispatcher.Drain()
	g.wg.Wait()

	g.logger.Info().Msg("Gateway stopped")
	return nil
}

func (g *Gateway) spawn(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}
