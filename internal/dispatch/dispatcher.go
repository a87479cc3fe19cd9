// Package dispatch routes decoded traffic between the radio, the
// reliability layer, the outbox, and the application handlers.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/envelope"
	"github.com/atlas-command/meshbridge/internal/frame"
	"github.com/atlas-command/meshbridge/internal/monitoring"
	"github.com/atlas-command/meshbridge/internal/outbox"
	"github.com/atlas-command/meshbridge/internal/radio"
	"github.com/atlas-command/meshbridge/internal/reliability"
)

// RequestHandler executes a request envelope on behalf of a peer and
// returns the response envelope. The gateway installs one; clients leave
// it nil and reject inbound requests.
type RequestHandler func(ctx context.Context, sender string, req *envelope.Envelope) (*envelope.Envelope, error)

// Dispatcher owns the inbound path. It is also the owner of the outbox and
// reliability engine, breaking the dependency triangle between the three:
// both are injected capabilities, not singletons.
type Dispatcher struct {
	logger   zerolog.Logger
	radio    radio.Adapter
	engine   *reliability.Engine
	receiver *reliability.Receiver
	outbox   *outbox.Outbox
	pool     *WorkerPool

	onRequest RequestHandler

	mu      sync.Mutex
	waiters map[string]chan *envelope.Envelope

	stats statsCounters

	wg sync.WaitGroup
}

// New wires a dispatcher.
func New(
	adapter radio.Adapter,
	engine *reliability.Engine,
	receiver *reliability.Receiver,
	ob *outbox.Outbox,
	pool *WorkerPool,
	onRequest RequestHandler,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		logger:    logger.With().Str("component", "dispatch").Logger(),
		radio:     adapter,
		engine:    engine,
		receiver:  receiver,
		outbox:    ob,
		pool:      pool,
		onRequest: onRequest,
		waiters:   make(map[string]chan *envelope.Envelope),
	}
}

// Run is the single radio reader loop. Control frames are handled inline,
// ahead of data chunks from the same peer; data handlers that may block
// (the gateway's HTTP call) run on the worker pool.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()

	for {
		sender, data, err := d.radio.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, radio.ErrClosed) {
				d.logger.Info().Msg("Dispatcher stopped")
				return
			}
			d.logger.Error().Err(err).Msg("Radio receive failed")
			continue
		}

		h, body, err := frame.Parse(data)
		if err != nil {
			atomic.AddInt64(&d.stats.framesDropped, 1)
			monitoring.FramesDropped.WithLabelValues("invalid_frame").Inc()
			d.logger.Warn().Err(err).
				Str("sender", sender).
				Int("len", len(data)).
				Msg("Invalid frame dropped")
			continue
		}

		if h.IsControl() {
			d.handleControl(ctx, sender, h, body)
			continue
		}

		payload, complete := d.receiver.OnData(ctx, sender, h, body)
		if !complete {
			continue
		}

		env, err := envelope.Decode(payload)
		if err != nil {
			atomic.AddInt64(&d.stats.framesDropped, 1)
			monitoring.FramesDropped.WithLabelValues("malformed_envelope").Inc()
			d.logger.Warn().Err(err).
				Str("sender", sender).
				Str("msg_id", h.MsgID.String()).
				Msg("Reassembled payload failed to decode")
			continue
		}

		d.deliver(ctx, sender, env)
	}
}

// handleControl routes chunk-layer control traffic straight to the
// reliability engine, bypassing the codec.
func (d *Dispatcher) handleControl(ctx context.Context, sender string, h frame.Header, body []byte) {
	// Any control frame naming one of our outstanding messages is
	// progress: reset its timer.
	d.engine.NoteActivity(h.MsgID)

	switch h.Flags {
	case frame.FlagNack:
		monitoring.ChunksReceived.WithLabelValues("control").Inc()
		d.engine.HandleNack(ctx, sender, h.MsgID, body)
	case frame.FlagAck:
		verb, _, err := frame.ParseControl(body)
		if err != nil {
			monitoring.FramesDropped.WithLabelValues("invalid_frame").Inc()
			d.logger.Warn().Err(err).Str("sender", sender).Msg("Bad control body dropped")
			return
		}
		switch verb {
		case frame.ControlAllReceived:
			monitoring.ChunksReceived.WithLabelValues("control").Inc()
			d.engine.HandleAllReceived(h.MsgID)
		case frame.ControlBitmapReq:
			d.receiver.OnBitmapReq(ctx, sender, h.MsgID)
		}
	}
}

// deliver routes a decoded envelope.
func (d *Dispatcher) deliver(ctx context.Context, sender string, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeAck:
		// Consumed here; never forwarded to the application, and never
		// acked back (no recursion).
		atomic.AddInt64(&d.stats.acksConsumed, 1)
		d.engine.Complete(env.CorrelationID)
		if !d.outbox.OnAck(env.CorrelationID) {
			d.logger.Debug().
				Str("correlation_id", env.CorrelationID).
				Msg("Ack for unknown record, ignored")
		}
		return

	case envelope.TypeRequest:
		atomic.AddInt64(&d.stats.envelopesDelivered, 1)
		atomic.AddInt64(&d.stats.requestsHandled, 1)
		d.sendAck(ctx, sender, env.ID)
		if d.onRequest == nil {
			d.logger.Warn().
				Str("sender", sender).
				Str("id", env.ID).
				Msg("Request received but no handler installed")
			return
		}
		d.pool.Submit(func() {
			resp, err := d.onRequest(ctx, sender, env)
			if ctx.Err() != nil {
				// Shutting down: the call was cancelled and nothing is spooled
				return
			}
			if err != nil {
				d.logger.Error().Err(err).
					Str("id", env.ID).
					Str("command", env.Command).
					Msg("Request execution failed")
				resp = envelope.NewError(env, err.Error())
			}
			if resp == nil {
				return
			}
			if err := d.outbox.Submit(ctx, resp, sender); err != nil {
				d.logger.Error().Err(err).
					Str("id", resp.ID).
					Msg("Response submit failed")
			}
		})

	case envelope.TypeResponse, envelope.TypeError:
		atomic.AddInt64(&d.stats.envelopesDelivered, 1)
		d.sendAck(ctx, sender, env.ID)
		d.engine.NoteActivityID(env.CorrelationID)
		d.wake(env)

	default:
		monitoring.FramesDropped.WithLabelValues("unknown_type").Inc()
		d.logger.Warn().
			Str("sender", sender).
			Str("type", string(env.Type)).
			Msg("Envelope with unknown type dropped")
	}
}

// sendAck emits the end-to-end acknowledgement for a delivered envelope.
// Acks bypass the outbox: they are fire-and-forget and never acked
// themselves.
func (d *Dispatcher) sendAck(ctx context.Context, dest, correlationID string) {
	ack := envelope.NewAck(correlationID)
	encoded, err := envelope.Encode(ack)
	if err != nil {
		d.logger.Error().Err(err).Msg("Ack encode failed")
		return
	}
	atomic.AddInt64(&d.stats.acksSent, 1)
	if err := d.engine.Transmit(ctx, dest, ack.ID, encoded); err != nil {
		d.logger.Warn().Err(err).
			Str("dest", dest).
			Str("correlation_id", correlationID).
			Msg("Ack transmit failed")
	}
}

// Await registers interest in the response correlated to a request id.
// The returned channel receives at most one envelope.
func (d *Dispatcher) Await(correlationID string) <-chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 1)
	d.mu.Lock()
	d.waiters[correlationID] = ch
	d.mu.Unlock()
	return ch
}

// Forget drops a waiter whose caller gave up.
func (d *Dispatcher) Forget(correlationID string) {
	d.mu.Lock()
	delete(d.waiters, correlationID)
	d.mu.Unlock()
}

func (d *Dispatcher) wake(env *envelope.Envelope) {
	d.mu.Lock()
	ch, ok := d.waiters[env.CorrelationID]
	if ok {
		delete(d.waiters, env.CorrelationID)
	}
	d.mu.Unlock()

	if !ok {
		// Late or duplicate response; the ack already went out, the
		// caller has moved on.
		d.logger.Debug().
			Str("correlation_id", env.CorrelationID).
			Msg("Response with no waiter")
		return
	}
	ch <- env
}

// Drain blocks until the reader loop has exited and the worker pool's
// goroutines have stopped. Cancel the Run context first. Tasks still
// queued when the context is cancelled may be left unrun.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
	d.pool.Stop()
}
