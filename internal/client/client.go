// Package client assembles the bridge's client role: it issues request
// envelopes toward the gateway and waits for correlated responses over the
// mesh.
package client

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/config"
	"github.com/atlas-command/meshbridge/internal/dispatch"
	"github.com/atlas-command/meshbridge/internal/envelope"
	"github.com/atlas-command/meshbridge/internal/monitoring"
	"github.com/atlas-command/meshbridge/internal/outbox"
	"github.com/atlas-command/meshbridge/internal/radio"
	"github.com/atlas-command/meshbridge/internal/reassembly"
	"github.com/atlas-command/meshbridge/internal/reliability"
)

// ErrTimeout is surfaced when a request exhausts both its progress timer
// and saw no response. The spool record survives: background retry
// continues until the retry budget runs out.
var ErrTimeout = errors.New("request timed out")

// Client owns the long-lived resources of the client role.
type Client struct {
	cfg    *config.Config
	logger zerolog.Logger

	adapter    radio.Adapter
	assembler  *reassembly.Assembler
	engine     *reliability.Engine
	receiver   *reliability.Receiver
	outbox     *outbox.Outbox
	pool       *dispatch.WorkerPool
	dispatcher *dispatch.Dispatcher

	wg sync.WaitGroup
}

// New wires a client over an already-open radio adapter.
func New(cfg *config.Config, adapter radio.Adapter, logger zerolog.Logger) (*Client, error) {
	if cfg.GatewayNodeID == "" {
		return nil, fmt.Errorf("client role requires ATLAS_GATEWAY_NODE_ID")
	}
	strategy, err := reliability.ParseStrategy(cfg.ReliabilityMethod)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "client").Logger(),
		adapter: adapter,
	}

	c.assembler = reassembly.New(logger, reassembly.Options{})
	c.engine = reliability.NewEngine(reliability.Config{
		SegmentSize:         cfg.SegmentSize,
		Strategy:            strategy,
		Timeout:             cfg.Timeout,
		AbsoluteCap:         cfg.PostResponseTimeout,
		ChunkDelayThreshold: cfg.ChunkDelayThreshold,
		ChunkDelay:          cfg.ChunkDelay,
	}, adapter.Send, logger)
	c.receiver = reliability.NewReceiver(reliability.ReceiverConfig{
		Strategy:      strategy,
		NackMaxPerSeq: cfg.NackMaxPerSeq,
		NackInterval:  cfg.NackInterval,
	}, c.assembler, adapter.Send, logger)

	c.outbox, err = outbox.Open(outbox.Options{
		Path:         cfg.SpoolPath,
		Retries:      cfg.Retries,
		ClearOnStart: cfg.ClearSpool,
	}, c.engine.Transmit, logger)
	if err != nil {
		return nil, err
	}

	// Clients reject inbound requests: no handler installed.
	c.pool = dispatch.NewWorkerPool(runtime.GOMAXPROCS(0), 0, logger)
	c.dispatcher = dispatch.New(adapter, c.engine, c.receiver, c.outbox, c.pool, nil, logger)

	return c, nil
}

// Run starts the background loops and blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	monitoring.RegisterMetrics()

	c.logger.Info().
		Str("node_id", c.cfg.NodeID).
		Str("gateway", c.cfg.GatewayNodeID).
		Msg("Client starting")

	c.pool.Start(ctx)

	c.spawn(func() { c.dispatcher.Run(ctx) })
	c.spawn(func() { c.engine.Run(ctx) })
	c.spawn(func() { c.receiver.Run(ctx) })
	c.spawn(func() { c.assembler.Run(ctx) })
	c.spawn(func() { c.retryLoop(ctx) })

	c.outbox.ReplayOnStartup(ctx)

	<-ctx.Done()

	_ = c.adapter.Close()
	c.dispatcher.Drain()
	c.wg.Wait()

	c.logger.Info().Msg("Client stopped")
	return nil
}

// retryLoop keeps background retry alive for records whose callers have
// already timed out and moved on.
func (c *Client) retryLoop(ctx context.Context) {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.outbox.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Request sends a command to the gateway and waits for the correlated
// response or error envelope.
//
// The wait is two-tier: a progress-resetting timer (any inbound activity
// for this message pushes it out) under an absolute cap. On timeout the
// caller gets ErrTimeout but the spool record remains; a response to a
// later retry still earns its end-to-end ack even with no waiter left.
func (c *Client) Request(ctx context.Context, command string, data any) (*envelope.Envelope, error) {
	env := envelope.NewRequest(command, data)
	return c.Send(ctx, env)
}

// Send submits a prepared envelope and waits for its response. Callers
// retrying a failed request MUST reuse the same envelope (same id): the
// gateway dedupes on it.
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	// Flush anything due before occupying airtime with a new send
	c.outbox.Flush(ctx)

	waiter := c.dispatcher.Await(env.ID)
	start := time.Now()

	if err := c.outbox.Submit(ctx, env, c.cfg.GatewayNodeID); err != nil {
		c.dispatcher.Forget(env.ID)
		return nil, err
	}

	absolute := time.NewTimer(c.cfg.PostResponseTimeout)
	defer absolute.Stop()
	progress := time.NewTicker(time.Second)
	defer progress.Stop()

	lastSeen := start
	for {
		select {
		case resp := <-waiter:
			monitoring.RequestDuration.Observe(time.Since(start).Seconds())
			return resp, nil

		case <-progress.C:
			if at, ok := c.engine.LastActivity(env.ID); ok && at.After(lastSeen) {
				lastSeen = at
			}
			if time.Since(lastSeen) >= c.cfg.Timeout {
				c.dispatcher.Forget(env.ID)
				monitoring.RequestTimeouts.Inc()
				c.logger.Warn().
					Str("id", env.ID).
					Str("command", env.Command).
					Msg("Request timed out, background retry continues")
				return nil, fmt.Errorf("%w: no progress for %s", ErrTimeout, c.cfg.Timeout)
			}

		case <-absolute.C:
			c.dispatcher.Forget(env.ID)
			monitoring.RequestTimeouts.Inc()
			return nil, fmt.Errorf("%w: absolute cap %s reached", ErrTimeout, c.cfg.PostResponseTimeout)

		case <-ctx.Done():
			c.dispatcher.Forget(env.ID)
			return nil, ctx.Err()
		}
	}
}

// Quiesce gives straggler duplicates a window to arrive and be acked
// before a one-shot process exits.
func (c *Client) Quiesce() {
	if c.cfg.PostResponseQuiet > 0 {
		time.Sleep(c.cfg.PostResponseQuiet)
	}
}

func (c *Client) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}
