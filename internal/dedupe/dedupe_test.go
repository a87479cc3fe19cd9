package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/envelope"
)

func request(id string, data any) *envelope.Envelope {
	return &envelope.Envelope{
		ID:      id,
		Type:    envelope.TypeRequest,
		Command: "test_echo",
		Data:    data,
	}
}

func TestExecuteOnceServeCached(t *testing.T) {
	c := New(Options{}, zerolog.Nop())
	req := request("bbbb-2222", map[string]any{"x": 1})

	var executions int32
	exec := func(ctx context.Context) (*envelope.Envelope, error) {
		atomic.AddInt32(&executions, 1)
		return envelope.NewResponse(req, map[string]any{"x": 1}), nil
	}

	first, hit, err := c.Execute(context.Background(), req, exec)
	if err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	second, hit2, err := c.Execute(context.Background(), req, exec)
	if err != nil {
		t.Fatalf("second execute failed: %v", err)
	}

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
	if hit {
		t.Error("first call reported a cache hit")
	}
	if !hit2 {
		t.Error("second call not reported as a cache hit")
	}
	if second != first {
		t.Error("second call did not return the cached response")
	}
	if second.CorrelationID != "bbbb-2222" {
		t.Errorf("correlation_id = %q, want bbbb-2222", second.CorrelationID)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	c := New(Options{}, zerolog.Nop())
	req := request("cccc-3333", nil)

	var executions int32
	failing := func(ctx context.Context) (*envelope.Envelope, error) {
		atomic.AddInt32(&executions, 1)
		return nil, errors.New("api down")
	}

	if _, _, err := c.Execute(context.Background(), req, failing); err == nil {
		t.Fatal("expected execution error")
	}
	// A retry after failure executes again
	if _, _, err := c.Execute(context.Background(), req, failing); err == nil {
		t.Fatal("expected execution error")
	}
	if n := atomic.LoadInt32(&executions); n != 2 {
		t.Errorf("executions = %d, want 2 (errors are not cached)", n)
	}
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	c := New(Options{}, zerolog.Nop())
	req := request("dddd-4444", nil)

	var executions int32
	slow := func(ctx context.Context) (*envelope.Envelope, error) {
		atomic.AddInt32(&executions, 1)
		time.Sleep(20 * time.Millisecond)
		return envelope.NewResponse(req, "done"), nil
	}

	var wg sync.WaitGroup
	results := make([]*envelope.Envelope, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := c.Execute(context.Background(), req, slow)
			if err != nil {
				t.Errorf("goroutine %d: %v", i, err)
				return
			}
			results[i] = resp
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("executions = %d, want 1 under concurrent duplicates", n)
	}
	for i, r := range results {
		if r != results[0] {
			t.Errorf("goroutine %d got a different response", i)
		}
	}
}

func TestFingerprintConflict(t *testing.T) {
	c := New(Options{Fingerprint: true}, zerolog.Nop())

	ok := request("eeee-5555", map[string]any{"a": 1})
	exec := func(ctx context.Context) (*envelope.Envelope, error) {
		return envelope.NewResponse(ok, "fine"), nil
	}
	if _, _, err := c.Execute(context.Background(), ok, exec); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}

	// Same id, different payload: rejected
	divergent := request("eeee-5555", map[string]any{"a": 999})
	if _, _, err := c.Execute(context.Background(), divergent, exec); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestFingerprintCatchesMutatedID(t *testing.T) {
	c := New(Options{Fingerprint: true}, zerolog.Nop())

	var executions int32
	first := request("id-one", map[string]any{"a": 1})
	exec := func(ctx context.Context) (*envelope.Envelope, error) {
		atomic.AddInt32(&executions, 1)
		return envelope.NewResponse(first, "x"), nil
	}
	if _, _, err := c.Execute(context.Background(), first, exec); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}

	// A buggy retry mutated the id but carries the same semantics
	mutated := request("id-two", map[string]any{"a": 1})
	_, hit, err := c.Execute(context.Background(), mutated, exec)
	if err != nil {
		t.Fatalf("mutated execute failed: %v", err)
	}
	if !hit {
		t.Error("fingerprint match not reported as a hit")
	}
	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("executions = %d, want 1 (fingerprint should match)", n)
	}
}

func TestTTLEviction(t *testing.T) {
	c := New(Options{TTL: 10 * time.Millisecond}, zerolog.Nop())
	req := request("ffff-6666", nil)

	var executions int32
	exec := func(ctx context.Context) (*envelope.Envelope, error) {
		atomic.AddInt32(&executions, 1)
		return envelope.NewResponse(req, "v"), nil
	}

	if _, _, err := c.Execute(context.Background(), req, exec); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Lazy eviction on access: the entry is stale, execute again
	if _, hit, err := c.Execute(context.Background(), req, exec); err != nil {
		t.Fatalf("execute after expiry failed: %v", err)
	} else if hit {
		t.Error("stale entry served as a hit")
	}
	if n := atomic.LoadInt32(&executions); n != 2 {
		t.Errorf("executions = %d, want 2 after TTL expiry", n)
	}
}

func TestSweepEvicts(t *testing.T) {
	c := New(Options{TTL: 10 * time.Millisecond}, zerolog.Nop())
	req := request("gggg-7777", nil)

	if _, _, err := c.Execute(context.Background(), req, func(ctx context.Context) (*envelope.Envelope, error) {
		return envelope.NewResponse(req, "v"), nil
	}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("entries = %d, want 1", c.Len())
	}

	time.Sleep(20 * time.Millisecond)
	c.Sweep()
	if c.Len() != 0 {
		t.Errorf("entries = %d, want 0 after sweep", c.Len())
	}
}
