// Package reassembly buffers inbound chunks per (sender, message-id prefix)
// until a full payload can be handed back to the codec.
package reassembly

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/frame"
	"github.com/atlas-command/meshbridge/internal/monitoring"
)

// Default lifecycle parameters. A bucket lives ttlBase from creation,
// gains ttlQuantum on every fresh chunk, and never outlives ttlCap.
const (
	DefaultTTLBase    = 120 * time.Second
	DefaultTTLQuantum = 15 * time.Second
	DefaultTTLCap     = 600 * time.Second

	// DefaultSoftLimit caps concurrent buckets before oldest-first
	// eviction kicks in.
	DefaultSoftLimit = 64

	// completedRetention is how long completed message keys are
	// remembered so late bitmap requests can be answered with
	// all_received. A chunk arriving for a completed key starts a new
	// bucket.
	completedRetention = 10 * time.Minute
)

// Key identifies a bucket. The 8-byte prefix alone can collide; pairing it
// with the sender node id makes accidental collision negligible.
type Key struct {
	Sender string
	Prefix frame.Prefix
}

// Result reports the outcome of ingesting one chunk.
type Result struct {
	// Payload is the reassembled message, set only when Complete.
	Payload []byte

	// Complete is true when this chunk filled the last slot.
	Complete bool

	// Fresh is true when the chunk occupied a previously empty slot.
	Fresh bool

	// GapBitmap is non-nil when a gap became visible: a newer sequence
	// arrived while older slots are still empty. It encodes the missing
	// sequences below the highest one observed so far; later sequences
	// are left out.
	GapBitmap []byte

	// Total echoes the bucket's expected chunk count.
	Total int
}

type bucket struct {
	total      uint16
	parts      map[uint16][]byte
	firstSeen  time.Time
	lastUpdate time.Time
	deadline   time.Time

	// highest sequence observed, for reactive gap detection
	highSeq uint16

	// InconsistentTotal is logged once per bucket
	totalConflictLogged bool
}

// Options tune the assembler. Zero values fall back to the defaults above.
type Options struct {
	TTLBase    time.Duration
	TTLQuantum time.Duration
	TTLCap     time.Duration
	SoftLimit  int
}

// Assembler owns all reassembly state. Methods are safe for concurrent use,
// but in practice a single dispatch goroutine feeds Ingest while the
// sweeper runs on its own tick.
type Assembler struct {
	mu        sync.Mutex
	buckets   map[Key]*bucket
	completed map[Key]time.Time

	ttlBase    time.Duration
	ttlQuantum time.Duration
	ttlCap     time.Duration
	softLimit  int

	logger zerolog.Logger
}

// New creates an assembler.
func New(logger zerolog.Logger, opts Options) *Assembler {
	if opts.TTLBase <= 0 {
		opts.TTLBase = DefaultTTLBase
	}
	if opts.TTLQuantum <= 0 {
		opts.TTLQuantum = DefaultTTLQuantum
	}
	if opts.TTLCap <= 0 {
		opts.TTLCap = DefaultTTLCap
	}
	if opts.SoftLimit <= 0 {
		opts.SoftLimit = DefaultSoftLimit
	}
	return &Assembler{
		buckets:    make(map[Key]*bucket),
		completed:  make(map[Key]time.Time),
		ttlBase:    opts.TTLBase,
		ttlQuantum: opts.TTLQuantum,
		ttlCap:     opts.TTLCap,
		softLimit:  opts.SoftLimit,
		logger:     logger.With().Str("component", "reassembly").Logger(),
	}
}

// Ingest processes one data chunk.
//
// Rules, in order: drop on total mismatch (keep the existing bucket), insert
// idempotently, extend the TTL on fresh chunks, deliver and destroy on
// completion.
func (a *Assembler) Ingest(sender string, h frame.Header, body []byte) Result {
	key := Key{Sender: sender, Prefix: h.MsgID}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[key]
	if !ok {
		// A full retransmit of an already-delivered message rebuilds and
		// redelivers; exactly-once effect is the dedupe layer's job, not
		// the chunk layer's.
		if _, done := a.completed[key]; done {
			delete(a.completed, key)
			a.logger.Debug().
				Str("sender", sender).
				Str("msg_id", h.MsgID.String()).
				Msg("New chunks for a completed message, rebuilding")
		}
		if len(a.buckets) >= a.softLimit {
			a.evictOldestLocked()
		}
		b = &bucket{
			total:     h.Total,
			parts:     make(map[uint16][]byte),
			firstSeen: now,
			deadline:  now.Add(a.ttlBase),
		}
		a.buckets[key] = b
		monitoring.ReassemblyBuckets.Set(float64(len(a.buckets)))
	}

	if h.Total != b.total {
		if !b.totalConflictLogged {
			b.totalConflictLogged = true
			a.logger.Warn().
				Str("sender", sender).
				Str("msg_id", h.MsgID.String()).
				Uint16("bucket_total", b.total).
				Uint16("chunk_total", h.Total).
				Msg("Inconsistent total, chunk dropped")
			monitoring.FramesDropped.WithLabelValues("inconsistent_total").Inc()
		}
		return Result{Total: int(b.total)}
	}

	res := Result{Total: int(b.total)}

	if existing, dup := b.parts[h.Sequence]; dup {
		if len(existing) != len(body) {
			a.logger.Warn().
				Str("sender", sender).
				Str("msg_id", h.MsgID.String()).
				Uint16("seq", h.Sequence).
				Int("have", len(existing)).
				Int("got", len(body)).
				Msg("Duplicate chunk with mismatched size, keeping original")
		}
	} else {
		b.parts[h.Sequence] = append([]byte(nil), body...)
		b.lastUpdate = now
		res.Fresh = true

		// Extend the TTL by the fresh-chunk quantum, clamped to the cap
		deadline := b.deadline.Add(a.ttlQuantum)
		if limit := b.firstSeen.Add(a.ttlCap); deadline.After(limit) {
			deadline = limit
		}
		b.deadline = deadline
	}

	if h.Sequence > b.highSeq {
		b.highSeq = h.Sequence
	}

	if len(b.parts) == int(b.total) {
		payload := make([]byte, 0, len(b.parts)*len(body))
		for seq := uint16(1); seq <= b.total; seq++ {
			payload = append(payload, b.parts[seq]...)
		}
		delete(a.buckets, key)
		a.completed[key] = now
		monitoring.ReassemblyBuckets.Set(float64(len(a.buckets)))
		monitoring.ReassemblyCompleted.Inc()

		res.Payload = payload
		res.Complete = true
		return res
	}

	// Reactive gap detection: a hole below the highest observed sequence.
	// Sequences above it are not late yet and stay out of the bitmap.
	if res.Fresh && a.hasGapLocked(b) {
		high := b.highSeq
		res.GapBitmap = frame.MissingBitmap(int(b.total), func(seq int) bool {
			if uint16(seq) > high {
				return true
			}
			_, ok := b.parts[uint16(seq)]
			return ok
		})
	}

	return res
}

func (a *Assembler) hasGapLocked(b *bucket) bool {
	for seq := uint16(1); seq < b.highSeq; seq++ {
		if _, ok := b.parts[seq]; !ok {
			return true
		}
	}
	return false
}

// Missing answers a bitmap request. The second return distinguishes an
// in-progress bucket (bitmap, total, StateProgress) from a completed
// message (StateComplete) and an unknown one (StateUnknown).
type State int

const (
	StateUnknown State = iota
	StateProgress
	StateComplete
)

func (a *Assembler) Missing(sender string, p frame.Prefix) ([]byte, int, State) {
	key := Key{Sender: sender, Prefix: p}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.completed[key]; done {
		return nil, 0, StateComplete
	}
	b, ok := a.buckets[key]
	if !ok {
		return nil, 0, StateUnknown
	}
	bitmap := frame.MissingBitmap(int(b.total), func(seq int) bool {
		_, ok := b.parts[uint16(seq)]
		return ok
	})
	return bitmap, int(b.total), StateProgress
}

// Sweep removes expired buckets and aged completed-keys. Expired buckets
// never emit partial envelopes. Returns the number of buckets destroyed.
func (a *Assembler) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	expired := 0
	for key, b := range a.buckets {
		if now.After(b.deadline) {
			delete(a.buckets, key)
			expired++
			a.logger.Debug().
				Str("sender", key.Sender).
				Str("msg_id", key.Prefix.String()).
				Int("have", len(b.parts)).
				Uint16("total", b.total).
				Msg("Bucket expired")
		}
	}
	if expired > 0 {
		monitoring.ReassemblyBuckets.Set(float64(len(a.buckets)))
		monitoring.ReassemblyExpired.Add(float64(expired))
	}

	for key, done := range a.completed {
		if now.Sub(done) > completedRetention {
			delete(a.completed, key)
		}
	}
	return expired
}

// Run drives the background sweeper on a coarse tick until ctx ends.
func (a *Assembler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			a.Sweep(now)
		case <-ctx.Done():
			return
		}
	}
}

// evictOldestLocked drops the bucket with the oldest last update.
func (a *Assembler) evictOldestLocked() {
	var victim Key
	var oldest time.Time
	first := true
	for key, b := range a.buckets {
		ts := b.lastUpdate
		if ts.IsZero() {
			ts = b.firstSeen
		}
		if first || ts.Before(oldest) {
			first = false
			oldest = ts
			victim = key
		}
	}
	if !first {
		delete(a.buckets, victim)
		a.logger.Warn().
			Str("sender", victim.Sender).
			Str("msg_id", victim.Prefix.String()).
			Msg("Bucket evicted, soft limit reached")
	}
}

// Snapshot reports the current bucket count for external observers.
func (a *Assembler) Snapshot() (buckets int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
