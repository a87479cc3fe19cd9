// Package dedupe suppresses duplicate request execution on the gateway:
// at-least-once transport delivery, exactly-once application effect.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/envelope"
	"github.com/atlas-command/meshbridge/internal/monitoring"
)

var (
	// ErrConflict is returned when two requests share an id but carry
	// divergent payloads.
	ErrConflict = errors.New("dedupe conflict: same id, divergent payload")
)

// DefaultTTL is the cached-response retention window.
const DefaultTTL = time.Hour

// leaseWait bounds how long a concurrent duplicate waits for the first
// execution to finish before giving up its turn.
const leaseWait = 30 * time.Second

type entry struct {
	response    *envelope.Envelope
	fingerprint string
	created     time.Time
}

// Options configure the cache.
type Options struct {
	TTL time.Duration

	// Fingerprint additionally keys the lease window by a semantic hash
	// of command + canonicalized data, catching retries that incorrectly
	// mutate their id.
	Fingerprint bool
}

// Cache is the gateway-side dedupe store. Reads happen on every request,
// writes only on first completion, so a readers-writer lock fits.
type Cache struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	byFP    map[string]string // fingerprint -> id, lease-window index
	leases  map[string]chan struct{}
}

// New creates a cache.
func New(opts Options, logger zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Cache{
		opts:    opts,
		logger:  logger.With().Str("component", "dedupe").Logger(),
		entries: make(map[string]*entry),
		byFP:    make(map[string]string),
		leases:  make(map[string]chan struct{}),
	}
}

// Execute runs exec for the request unless an identical request already
// completed (cached response returned, exec skipped) or is currently in
// flight (waits for the lease, then returns the cached response). The
// second return reports whether the response came from the cache.
func (c *Cache) Execute(ctx context.Context, req *envelope.Envelope, exec func(ctx context.Context) (*envelope.Envelope, error)) (*envelope.Envelope, bool, error) {
	fp := ""
	if c.opts.Fingerprint {
		fp = Fingerprint(req)
	}

	for {
		c.mu.Lock()
		if e := c.lookupLocked(req.ID, fp); e != nil {
			if c.opts.Fingerprint && e.fingerprint != "" && fp != "" && e.fingerprint != fp {
				c.mu.Unlock()
				c.logger.Warn().
					Str("id", req.ID).
					Msg("Request id reused with divergent payload")
				return nil, false, fmt.Errorf("%w: id %s", ErrConflict, req.ID)
			}
			c.mu.Unlock()
			monitoring.DedupeHits.Inc()
			c.logger.Debug().Str("id", req.ID).Msg("Duplicate request served from cache")
			return e.response, true, nil
		}

		if lease, held := c.leases[req.ID]; held {
			// A concurrent duplicate: wait briefly for the first
			// execution, then re-check the cache.
			c.mu.Unlock()
			select {
			case <-lease:
				continue
			case <-time.After(leaseWait):
				return nil, false, fmt.Errorf("duplicate request %s still executing", req.ID)
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		lease := make(chan struct{})
		c.leases[req.ID] = lease
		c.mu.Unlock()

		monitoring.DedupeMisses.Inc()
		resp, err := exec(ctx)

		c.mu.Lock()
		delete(c.leases, req.ID)
		close(lease)
		if err == nil && resp != nil {
			c.entries[req.ID] = &entry{
				response:    resp,
				fingerprint: fp,
				created:     time.Now(),
			}
			if fp != "" {
				c.byFP[fp] = req.ID
			}
			monitoring.DedupeEntries.Set(float64(len(c.entries)))
		}
		c.mu.Unlock()

		return resp, false, err
	}
}

// lookupLocked resolves an entry by id, then by semantic fingerprint, with
// lazy TTL eviction on access.
func (c *Cache) lookupLocked(id, fp string) *entry {
	if e := c.evictStaleLocked(id); e != nil {
		return e
	}
	if fp != "" {
		if aliasID, ok := c.byFP[fp]; ok {
			if e := c.evictStaleLocked(aliasID); e != nil {
				return e
			}
		}
	}
	return nil
}

func (c *Cache) evictStaleLocked(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if time.Since(e.created) > c.opts.TTL {
		delete(c.entries, id)
		if e.fingerprint != "" {
			delete(c.byFP, e.fingerprint)
		}
		monitoring.DedupeEntries.Set(float64(len(c.entries)))
		return nil
	}
	return e
}

// Sweep evicts expired entries. The gateway calls this on its poll tick.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if now.Sub(e.created) > c.opts.TTL {
			delete(c.entries, id)
			if e.fingerprint != "" {
				delete(c.byFP, e.fingerprint)
			}
		}
	}
	monitoring.DedupeEntries.Set(float64(len(c.entries)))
}

// Len reports the number of cached responses.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fingerprint hashes a request's semantic identity: command plus the
// canonical JSON encoding of its data.
func Fingerprint(req *envelope.Envelope) string {
	data, err := json.Marshal(req.Data)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", req.Data))
	}
	sum := sha256.Sum256(append([]byte(req.Command+"\n"), data...))
	return hex.EncodeToString(sum[:])
}
