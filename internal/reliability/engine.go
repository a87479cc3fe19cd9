// Package reliability implements windowed selective repeat over chunked
// messages: senders track outstanding chunk sets and answer NACK bitmaps
// with targeted resends; receivers detect gaps reactively and rate-limit
// their NACK traffic.
package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/frame"
	"github.com/atlas-command/meshbridge/internal/monitoring"
)

// SendFunc transmits one raw frame to a destination node. The radio
// adapter's Send satisfies it.
type SendFunc func(ctx context.Context, dest string, data []byte) error

// Config tunes the sender engine.
type Config struct {
	SegmentSize int           // outgoing chunk body ceiling
	Strategy    Strategy      // recovery strategy, both endpoints must agree
	Timeout     time.Duration // progress-resetting timer base
	AbsoluteCap time.Duration // absolute ceiling per transmit

	// Pacing: above ChunkDelayThreshold chunks, sleep ChunkDelay between
	// frames. Disabled while the threshold is zero.
	ChunkDelayThreshold int
	ChunkDelay          time.Duration

	// MaxBitmapReqs bounds how many bitmap requests one transmit issues.
	MaxBitmapReqs int
}

func (c *Config) applyDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = frame.DefaultSegmentSize
	}
	if c.SegmentSize > frame.MaxChunkSize-frame.HeaderSize {
		c.SegmentSize = frame.MaxChunkSize - frame.HeaderSize
	}
	if c.Strategy == "" {
		c.Strategy = StrategyWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.AbsoluteCap <= 0 {
		c.AbsoluteCap = 150 * time.Second
	}
	if c.MaxBitmapReqs <= 0 {
		c.MaxBitmapReqs = 3
	}
}

// pendingSend tracks one outbound message awaiting chunk-layer completion.
type pendingSend struct {
	id     string
	prefix frame.Prefix
	dest   string
	chunks [][]byte // marshaled frames, index seq-1

	started      time.Time
	lastActivity time.Time
	bitmapReqs   int
	settled      bool // all_received seen, stop polling
}

// Engine is the sender half of the reliability layer.
type Engine struct {
	cfg    Config
	send   SendFunc
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[frame.Prefix]*pendingSend
	byID    map[string]frame.Prefix
}

// NewEngine builds a sender engine on top of a raw frame transmitter.
func NewEngine(cfg Config, send SendFunc, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		send:    send,
		logger:  logger.With().Str("component", "reliability").Logger(),
		pending: make(map[frame.Prefix]*pendingSend),
		byID:    make(map[string]frame.Prefix),
	}
	if cfg.Strategy == StrategyWindowFEC {
		e.logger.Warn().Msg("window_fec is reserved, parity chunks are not generated; using window behavior")
	}
	return e
}

// Transmit chunks a payload and sends every chunk once, in sequence order.
//
// Multi-chunk messages are registered for selective-repeat recovery unless
// the strategy is simple. Single-chunk messages skip the bitmap machinery
// entirely and rely on the end-to-end ACK.
func (e *Engine) Transmit(ctx context.Context, dest, id string, payload []byte) error {
	prefix := frame.PrefixOf(id)
	total := (len(payload) + e.cfg.SegmentSize - 1) / e.cfg.SegmentSize
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return fmt.Errorf("payload of %d bytes needs %d chunks, exceeds uint16 total", len(payload), total)
	}

	chunks := make([][]byte, total)
	for seq := 1; seq <= total; seq++ {
		start := (seq - 1) * e.cfg.SegmentSize
		end := start + e.cfg.SegmentSize
		if end > len(payload) {
			end = len(payload)
		}
		data, err := frame.Marshal(frame.Header{
			MsgID:    prefix,
			Sequence: uint16(seq),
			Total:    uint16(total),
		}, payload[start:end])
		if err != nil {
			return err
		}
		chunks[seq-1] = data
	}

	track := total > 1 && e.cfg.Strategy.recovers()
	if track {
		now := time.Now()
		e.mu.Lock()
		e.pending[prefix] = &pendingSend{
			id:           id,
			prefix:       prefix,
			dest:         dest,
			chunks:       chunks,
			started:      now,
			lastActivity: now,
		}
		e.byID[id] = prefix
		e.mu.Unlock()
	}

	pace := e.cfg.ChunkDelayThreshold > 0 && total > e.cfg.ChunkDelayThreshold
	for seq, data := range chunks {
		if err := e.send(ctx, dest, data); err != nil {
			e.drop(prefix)
			return fmt.Errorf("transmit chunk %d/%d: %w", seq+1, total, err)
		}
		monitoring.ChunksSent.WithLabelValues("data").Inc()
		if pace && seq < total-1 {
			select {
			case <-time.After(e.cfg.ChunkDelay):
			case <-ctx.Done():
				e.drop(prefix)
				return ctx.Err()
			}
		}
	}

	e.logger.Debug().
		Str("dest", dest).
		Str("msg_id", prefix.String()).
		Int("chunks", total).
		Int("bytes", len(payload)).
		Msg("Message transmitted")
	return nil
}

// HandleNack resends exactly the chunks named by the bitmap, in ascending
// sequence order.
func (e *Engine) HandleNack(ctx context.Context, sender string, prefix frame.Prefix, bitmap []byte) {
	e.mu.Lock()
	p := e.pending[prefix]
	if p != nil {
		p.lastActivity = time.Now()
	}
	e.mu.Unlock()
	if p == nil {
		e.logger.Debug().
			Str("msg_id", prefix.String()).
			Msg("NACK for unknown message, ignored")
		return
	}

	missing := frame.BitmapSequences(bitmap, len(p.chunks))
	for _, seq := range missing {
		if err := e.send(ctx, p.dest, p.chunks[seq-1]); err != nil {
			monitoring.FramesDropped.WithLabelValues("send_error").Inc()
			e.logger.Error().Err(err).
				Str("dest", p.dest).
				Int("seq", seq).
				Msg("Resend failed")
			return
		}
		monitoring.ChunksSent.WithLabelValues("resend").Inc()
		monitoring.Retransmits.Inc()
	}

	e.logger.Debug().
		Str("msg_id", prefix.String()).
		Ints("seqs", missing).
		Msg("Resent missing chunks")
}

// HandleAllReceived marks chunk-layer completion: no further bitmap
// requests are issued. The pending entry survives until the end-to-end
// ACK arrives so late NACK duplicates can still be answered.
func (e *Engine) HandleAllReceived(prefix frame.Prefix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p := e.pending[prefix]; p != nil {
		p.settled = true
		p.lastActivity = time.Now()
	}
}

// NoteActivity resets the progress timer for a message when any inbound
// frame referencing it is observed.
func (e *Engine) NoteActivity(prefix frame.Prefix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p := e.pending[prefix]; p != nil {
		p.lastActivity = time.Now()
	}
}

// NoteActivityID is NoteActivity keyed by the full envelope id, for
// envelope-level events (a response or ack referencing the message).
func (e *Engine) NoteActivityID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prefix, ok := e.byID[id]; ok {
		if p := e.pending[prefix]; p != nil {
			p.lastActivity = time.Now()
		}
	}
}

// LastActivity reports the most recent inbound activity for an outstanding
// message, and whether the message is still tracked. The client's
// progress-resetting wait consults this.
func (e *Engine) LastActivity(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix, ok := e.byID[id]
	if !ok {
		return time.Time{}, false
	}
	p, ok := e.pending[prefix]
	if !ok {
		return time.Time{}, false
	}
	return p.lastActivity, true
}

// Complete forgets a message once its end-to-end ACK arrived.
func (e *Engine) Complete(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prefix, ok := e.byID[id]; ok {
		delete(e.pending, prefix)
		delete(e.byID, id)
	}
}

func (e *Engine) drop(prefix frame.Prefix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[prefix]; ok {
		delete(e.pending, prefix)
		delete(e.byID, p.id)
	}
}

// Run drives the progress timers: when a tracked message sees no inbound
// activity for the timeout base, the sender asks the receiver for its
// missing-chunk bitmap. Messages past the absolute cap are abandoned at
// the chunk layer; the outbox keeps retrying the whole envelope.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.tick(ctx, now)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	type probe struct {
		dest string
		id   string
		pfx  frame.Prefix
	}
	var probes []probe
	var expired []frame.Prefix

	e.mu.Lock()
	for prefix, p := range e.pending {
		if now.Sub(p.started) > e.cfg.AbsoluteCap {
			expired = append(expired, prefix)
			continue
		}
		if p.settled || !e.cfg.Strategy.polls() {
			continue
		}
		if now.Sub(p.lastActivity) >= e.cfg.Timeout && p.bitmapReqs < e.cfg.MaxBitmapReqs {
			p.bitmapReqs++
			p.lastActivity = now // back off until the next timeout window
			probes = append(probes, probe{dest: p.dest, id: p.id, pfx: prefix})
		}
	}
	for _, prefix := range expired {
		p := e.pending[prefix]
		delete(e.pending, prefix)
		delete(e.byID, p.id)
	}
	e.mu.Unlock()

	for _, prefix := range expired {
		e.logger.Warn().
			Str("msg_id", prefix.String()).
			Msg("Chunk-layer recovery abandoned, absolute cap reached")
	}

	for _, pr := range probes {
		data, err := frame.Marshal(
			frame.ControlHeader(frame.FlagAck, pr.pfx),
			frame.FormatControl(frame.ControlBitmapReq, pr.id),
		)
		if err != nil {
			e.logger.Error().Err(err).Msg("Bitmap request marshal failed")
			continue
		}
		if err := e.send(ctx, pr.dest, data); err != nil {
			e.logger.Error().Err(err).
				Str("dest", pr.dest).
				Msg("Bitmap request send failed")
			continue
		}
		monitoring.ChunksSent.WithLabelValues("control").Inc()
		monitoring.BitmapRequests.Inc()
	}
}
