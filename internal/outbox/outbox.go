// Package outbox persists envelopes awaiting end-to-end acknowledgement and
// drives their retry schedule across process restarts.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/envelope"
	"github.com/atlas-command/meshbridge/internal/monitoring"
)

var (
	// ErrSpoolCorrupt is logged (never fatal) when the spool file cannot
	// be parsed at startup; the file is quarantined and the outbox starts
	// empty.
	ErrSpoolCorrupt = errors.New("spool file corrupt")
)

// Record is the durable mirror of a pending send. The envelope travels as
// its encoded wire bytes so a replay reuses the exact same id and payload.
type Record struct {
	ID             string    `json:"id"`
	Envelope       []byte    `json:"envelope"`
	Destination    string    `json:"destination"`
	Priority       int       `json:"priority"`
	FirstSubmitted time.Time `json:"first_submitted"`
	RetryCount     int       `json:"retry_count"`

	// nextAttempt is in-memory scheduling state; after a restart every
	// record becomes immediately due.
	nextAttempt time.Time
}

// TransmitFunc hands an encoded envelope to the reliability engine.
type TransmitFunc func(ctx context.Context, dest, id string, payload []byte) error

// Options configure the outbox.
type Options struct {
	Path string

	// Retries caps reissues after the initial transmit. Exhaustion drops
	// the record and surfaces a DeliveryFailed event.
	Retries int

	// Backoff schedule: Base * 2^retry, capped at Cap, scaled by a
	// jitter factor in [0.5, 1.5).
	Base time.Duration
	Cap  time.Duration

	// ClearOnStart wipes any existing spool instead of replaying it.
	ClearOnStart bool

	// OnDeliveryFailed, when set, observes terminal failures.
	OnDeliveryFailed func(id string)
}

func (o *Options) applyDefaults() {
	if o.Retries == 0 {
		o.Retries = 2
	}
	if o.Base <= 0 {
		o.Base = 5 * time.Second
	}
	if o.Cap <= 0 {
		o.Cap = 300 * time.Second
	}
}

// Outbox is the durable single-file JSON store. A single writer mutex
// serializes every mutation; readers use the in-memory mirror.
type Outbox struct {
	opts     Options
	transmit TransmitFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	records []*Record
	rng     *rand.Rand
}

// Open loads (or quarantines) the spool at opts.Path. Corrupt files are
// moved aside with a timestamp suffix and the outbox starts empty.
func Open(opts Options, transmit TransmitFunc, logger zerolog.Logger) (*Outbox, error) {
	opts.applyDefaults()
	ob := &Outbox{
		opts:     opts,
		transmit: transmit,
		logger:   logger.With().Str("component", "outbox").Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if opts.ClearOnStart {
		if err := os.Remove(opts.Path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("clear spool: %w", err)
		}
		ob.logger.Info().Str("path", opts.Path).Msg("Spool cleared on start")
		return ob, nil
	}

	raw, err := os.ReadFile(opts.Path)
	if os.IsNotExist(err) {
		return ob, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}

	var records []*Record
	if err := json.Unmarshal(raw, &records); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt.%d", opts.Path, time.Now().Unix())
		if mvErr := os.Rename(opts.Path, quarantine); mvErr != nil {
			ob.logger.Error().Err(mvErr).Msg("Failed to quarantine corrupt spool")
		}
		ob.logger.Error().Err(err).
			Str("path", opts.Path).
			Str("quarantine", quarantine).
			Msg(ErrSpoolCorrupt.Error() + ", starting empty")
		return ob, nil
	}

	ob.records = records
	monitoring.SpoolDepth.Set(float64(len(records)))
	if len(records) > 0 {
		ob.logger.Info().Int("records", len(records)).Msg("Spool loaded")
	}
	return ob, nil
}

// Submit validates, persists, and transmits a new envelope. The record hits
// disk before the first frame hits the air: a crash between the two causes
// a duplicate send, never a lost one.
func (ob *Outbox) Submit(ctx context.Context, env *envelope.Envelope, dest string) error {
	if err := env.Validate(); err != nil {
		return err
	}
	encoded, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if len(encoded) > envelope.MaxEncodedSize {
		return fmt.Errorf("%w: %d bytes encoded, limit %d",
			envelope.ErrPayloadTooLarge, len(encoded), envelope.MaxEncodedSize)
	}

	ob.mu.Lock()
	var rec *Record
	for _, existing := range ob.records {
		if existing.ID == env.ID {
			// A caller retrying with the same id: refresh the record
			// rather than double-tracking it.
			rec = existing
			rec.Envelope = encoded
			rec.Destination = dest
			break
		}
	}
	if rec == nil {
		rec = &Record{
			ID:             env.ID,
			Envelope:       encoded,
			Destination:    dest,
			Priority:       env.Priority,
			FirstSubmitted: time.Now(),
		}
		ob.records = append(ob.records, rec)
	}
	rec.nextAttempt = ob.nextDelayLocked(rec)
	err = ob.persistLocked()
	ob.mu.Unlock()
	if err != nil {
		return err
	}

	if err := ob.transmit(ctx, dest, env.ID, encoded); err != nil {
		// Transport errors are not terminal: the record stays spooled
		// and the retry schedule carries it.
		ob.logger.Warn().Err(err).
			Str("id", env.ID).
			Str("dest", dest).
			Msg("Initial transmit failed, retry scheduled")
	}
	return nil
}

// OnAck removes the record matching an ack's correlation id. Returns true
// when a record was settled.
func (ob *Outbox) OnAck(correlationID string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	for i, rec := range ob.records {
		if rec.ID == correlationID {
			ob.records = append(ob.records[:i], ob.records[i+1:]...)
			if err := ob.persistLocked(); err != nil {
				ob.logger.Error().Err(err).Msg("Spool rewrite after ack failed")
			}
			monitoring.AcksReceived.Inc()
			ob.logger.Debug().Str("id", correlationID).Msg("Record settled by ack")
			return true
		}
	}
	return false
}

// Flush reissues every due record through the reliability engine, ordered
// by priority (lower first) then submit time. Records past their retry
// budget are dropped and surfaced as DeliveryFailed.
func (ob *Outbox) Flush(ctx context.Context) {
	now := time.Now()

	type attempt struct {
		id, dest string
		payload  []byte
	}
	var due []attempt
	var failed []string

	ob.mu.Lock()
	sort.SliceStable(ob.records, func(i, j int) bool {
		if ob.records[i].Priority != ob.records[j].Priority {
			return ob.records[i].Priority < ob.records[j].Priority
		}
		return ob.records[i].FirstSubmitted.Before(ob.records[j].FirstSubmitted)
	})

	kept := ob.records[:0]
	dirty := false
	for _, rec := range ob.records {
		if rec.nextAttempt.After(now) {
			kept = append(kept, rec)
			continue
		}
		if rec.RetryCount >= ob.opts.Retries {
			failed = append(failed, rec.ID)
			dirty = true
			continue
		}
		rec.RetryCount++
		rec.nextAttempt = ob.nextDelayLocked(rec)
		dirty = true
		due = append(due, attempt{id: rec.ID, dest: rec.Destination, payload: rec.Envelope})
		kept = append(kept, rec)
	}
	ob.records = kept
	if dirty {
		if err := ob.persistLocked(); err != nil {
			ob.logger.Error().Err(err).Msg("Spool rewrite during flush failed")
		}
	}
	ob.mu.Unlock()

	for _, id := range failed {
		monitoring.DeliveryFailed.Inc()
		ob.logger.Error().Str("id", id).Msg("Delivery failed, retries exhausted")
		if ob.opts.OnDeliveryFailed != nil {
			ob.opts.OnDeliveryFailed(id)
		}
	}

	for _, at := range due {
		monitoring.SpoolRetries.Inc()
		if err := ob.transmit(ctx, at.dest, at.id, at.payload); err != nil {
			ob.logger.Warn().Err(err).
				Str("id", at.id).
				Msg("Retry transmit failed")
		}
	}
}

// ReplayOnStartup resets in-memory timers so every loaded record becomes
// immediately due, then flushes.
func (ob *Outbox) ReplayOnStartup(ctx context.Context) {
	ob.mu.Lock()
	now := time.Now()
	for _, rec := range ob.records {
		rec.nextAttempt = now
	}
	n := len(ob.records)
	ob.mu.Unlock()

	if n > 0 {
		ob.logger.Info().Int("records", n).Msg("Replaying spool after restart")
		ob.Flush(ctx)
	}
}

// Depth reports the number of unsettled records.
func (ob *Outbox) Depth() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.records)
}

// Pending reports whether an id is still awaiting its ack.
func (ob *Outbox) Pending(id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, rec := range ob.records {
		if rec.ID == id {
			return true
		}
	}
	return false
}

// nextDelayLocked computes now + Base * 2^retry * jitter, with the
// exponential term capped before jitter is applied.
func (ob *Outbox) nextDelayLocked(rec *Record) time.Time {
	backoff := ob.opts.Base << uint(rec.RetryCount)
	if backoff > ob.opts.Cap || backoff <= 0 {
		backoff = ob.opts.Cap
	}
	jitter := 0.5 + ob.rng.Float64()
	return time.Now().Add(time.Duration(float64(backoff) * jitter))
}

// persistLocked rewrites the whole store atomically: temp file, fsync,
// rename. Caller holds ob.mu.
func (ob *Outbox) persistLocked() error {
	monitoring.SpoolDepth.Set(float64(len(ob.records)))

	data, err := json.MarshalIndent(ob.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal spool: %w", err)
	}
	if ob.records == nil {
		data = []byte("[]")
	}

	dir := filepath.Dir(ob.opts.Path)
	tmp, err := os.CreateTemp(dir, ".outbox-*.json")
	if err != nil {
		return fmt.Errorf("spool temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("spool write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("spool fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("spool close: %w", err)
	}
	if err := os.Rename(tmpName, ob.opts.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("spool rename: %w", err)
	}
	return nil
}
