package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/atlas-command/meshbridge/internal/frame"
	"github.com/atlas-command/meshbridge/internal/monitoring"
	"github.com/atlas-command/meshbridge/internal/reassembly"
)

// ReceiverConfig tunes NACK issuance.
type ReceiverConfig struct {
	Strategy Strategy

	// NackMaxPerSeq caps how many NACKs may name the same missing
	// sequence of one message.
	NackMaxPerSeq int

	// NackInterval is the minimum spacing between NACK frames for one
	// message.
	NackInterval time.Duration
}

func (c *ReceiverConfig) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyWindow
	}
	if c.NackMaxPerSeq <= 0 {
		c.NackMaxPerSeq = 3
	}
	if c.NackInterval <= 0 {
		c.NackInterval = time.Second
	}
}

// nackState rate-limits recovery traffic for one inbound message.
type nackState struct {
	perSeq   map[int]int
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Receiver is the receiving half of the reliability layer. It feeds chunks
// into the assembler, answers bitmap requests, and emits rate-limited NACKs
// when gaps become visible.
//
// Gap detection is reactive only: a NACK is produced when a newer sequence
// arrives before older ones, or in response to a bitmap request — never on
// a timer.
type Receiver struct {
	cfg    ReceiverConfig
	asm    *reassembly.Assembler
	send   SendFunc
	logger zerolog.Logger

	mu    sync.Mutex
	nacks map[reassembly.Key]*nackState
}

// NewReceiver wires the receiver over an assembler and a frame transmitter.
func NewReceiver(cfg ReceiverConfig, asm *reassembly.Assembler, send SendFunc, logger zerolog.Logger) *Receiver {
	cfg.applyDefaults()
	return &Receiver{
		cfg:    cfg,
		asm:    asm,
		send:   send,
		logger: logger.With().Str("component", "receiver").Logger(),
		nacks:  make(map[reassembly.Key]*nackState),
	}
}

// OnData ingests one data chunk. When the chunk completes its message the
// reassembled payload is returned, a completion marker is sent back, and
// the message's NACK state is released.
func (r *Receiver) OnData(ctx context.Context, sender string, h frame.Header, body []byte) ([]byte, bool) {
	monitoring.ChunksReceived.WithLabelValues("data").Inc()
	res := r.asm.Ingest(sender, h, body)
	key := reassembly.Key{Sender: sender, Prefix: h.MsgID}

	if res.Complete {
		r.mu.Lock()
		delete(r.nacks, key)
		r.mu.Unlock()

		if r.cfg.Strategy.recovers() {
			r.sendAllReceived(ctx, sender, h.MsgID)
		}
		return res.Payload, true
	}

	if res.GapBitmap != nil && r.cfg.Strategy.recovers() {
		r.maybeNack(ctx, sender, h.MsgID, res.GapBitmap, res.Total)
	}
	return nil, false
}

// OnBitmapReq answers a sender's poll: all_received for a completed
// message, the current missing bitmap for one in progress. Unknown
// messages are ignored; the outbox retry will carry the payload again.
func (r *Receiver) OnBitmapReq(ctx context.Context, sender string, prefix frame.Prefix) {
	monitoring.ChunksReceived.WithLabelValues("control").Inc()
	bitmap, total, state := r.asm.Missing(sender, prefix)
	switch state {
	case reassembly.StateComplete:
		r.sendAllReceived(ctx, sender, prefix)
	case reassembly.StateProgress:
		r.maybeNack(ctx, sender, prefix, bitmap, total)
	case reassembly.StateUnknown:
		r.logger.Debug().
			Str("sender", sender).
			Str("msg_id", prefix.String()).
			Msg("Bitmap request for unknown message, ignored")
	}
}

func (r *Receiver) sendAllReceived(ctx context.Context, dest string, prefix frame.Prefix) {
	data, err := frame.Marshal(
		frame.ControlHeader(frame.FlagAck, prefix),
		frame.FormatControl(frame.ControlAllReceived, prefix.String()),
	)
	if err != nil {
		r.logger.Error().Err(err).Msg("all_received marshal failed")
		return
	}
	if err := r.send(ctx, dest, data); err != nil {
		r.logger.Error().Err(err).
			Str("dest", dest).
			Msg("all_received send failed")
		return
	}
	monitoring.ChunksSent.WithLabelValues("control").Inc()
}

// maybeNack applies both rate limits before emitting a NACK frame:
// at most NackMaxPerSeq NACKs naming one sequence, and at most one NACK
// frame per NackInterval per message. Sequences over their budget are
// cleared from the bitmap; an empty bitmap suppresses the frame.
func (r *Receiver) maybeNack(ctx context.Context, dest string, prefix frame.Prefix, bitmap []byte, total int) {
	key := reassembly.Key{Sender: dest, Prefix: prefix}

	r.mu.Lock()
	st := r.nacks[key]
	if st == nil {
		st = &nackState{
			perSeq:  make(map[int]int),
			limiter: rate.NewLimiter(rate.Every(r.cfg.NackInterval), 1),
		}
		r.nacks[key] = st
	}
	st.lastUsed = time.Now()

	if !st.limiter.Allow() {
		r.mu.Unlock()
		monitoring.NacksSuppressed.Inc()
		return
	}

	missing := frame.BitmapSequences(bitmap, total)
	allowed := missing[:0]
	for _, seq := range missing {
		if st.perSeq[seq] < r.cfg.NackMaxPerSeq {
			st.perSeq[seq]++
			allowed = append(allowed, seq)
		}
	}
	r.mu.Unlock()

	if len(allowed) == 0 {
		monitoring.NacksSuppressed.Inc()
		return
	}

	trimmed := frame.MissingBitmap(total, func(seq int) bool {
		for _, s := range allowed {
			if s == seq {
				return false
			}
		}
		return true
	})

	data, err := frame.Marshal(frame.ControlHeader(frame.FlagNack, prefix), trimmed)
	if err != nil {
		r.logger.Error().Err(err).Msg("NACK marshal failed")
		return
	}
	if err := r.send(ctx, dest, data); err != nil {
		r.logger.Error().Err(err).
			Str("dest", dest).
			Msg("NACK send failed")
		return
	}
	monitoring.ChunksSent.WithLabelValues("control").Inc()
	monitoring.NacksSent.Inc()

	r.logger.Debug().
		Str("dest", dest).
		Str("msg_id", prefix.String()).
		Ints("seqs", allowed).
		Msg("NACK sent")
}

// Run sweeps idle NACK state so abandoned messages do not pin memory.
func (r *Receiver) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			r.mu.Lock()
			for key, st := range r.nacks {
				if now.Sub(st.lastUsed) > reassembly.DefaultTTLCap {
					delete(r.nacks, key)
				}
			}
			r.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
