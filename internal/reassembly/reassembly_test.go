package reassembly

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/frame"
)

func testAssembler(opts Options) *Assembler {
	return New(zerolog.Nop(), opts)
}

func split(id string, payload []byte, segment int) ([]frame.Header, [][]byte) {
	total := (len(payload) + segment - 1) / segment
	headers := make([]frame.Header, total)
	bodies := make([][]byte, total)
	for i := 0; i < total; i++ {
		start := i * segment
		end := start + segment
		if end > len(payload) {
			end = len(payload)
		}
		headers[i] = frame.Header{
			MsgID:    frame.PrefixOf(id),
			Sequence: uint16(i + 1),
			Total:    uint16(total),
		}
		bodies[i] = payload[start:end]
	}
	return headers, bodies
}

func TestReassemblyAnyPermutation(t *testing.T) {
	payload := make([]byte, 1000)
	rand.New(rand.NewSource(7)).Read(payload)

	for trial := 0; trial < 10; trial++ {
		a := testAssembler(Options{})
		headers, bodies := split("msg-perm", payload, 210)
		order := rand.New(rand.NewSource(int64(trial))).Perm(len(headers))

		var got []byte
		delivered := 0
		for _, i := range order {
			res := a.Ingest("!node1", headers[i], bodies[i])
			if res.Complete {
				delivered++
				got = res.Payload
			}
		}
		if delivered != 1 {
			t.Fatalf("trial %d: delivered %d times, want 1", trial, delivered)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("trial %d: payload mismatch", trial)
		}
	}
}

func TestNoDeliveryWithMissingChunk(t *testing.T) {
	payload := make([]byte, 1000)
	headers, bodies := split("msg-hole", payload, 210)

	for skip := range headers {
		a := testAssembler(Options{})
		for i := range headers {
			if i == skip {
				continue
			}
			if res := a.Ingest("!node1", headers[i], bodies[i]); res.Complete {
				t.Fatalf("delivered with chunk %d missing", skip+1)
			}
		}
	}
}

func TestDuplicateChunksIdempotent(t *testing.T) {
	payload := []byte("abcdefghij")
	headers, bodies := split("msg-dup", payload, 4)

	a := testAssembler(Options{})
	// Deliver chunk 1 three times before the rest
	for i := 0; i < 3; i++ {
		if res := a.Ingest("!node1", headers[0], bodies[0]); res.Complete {
			t.Fatal("delivered prematurely")
		}
	}
	var got []byte
	for i := 1; i < len(headers); i++ {
		if res := a.Ingest("!node1", headers[i], bodies[i]); res.Complete {
			got = res.Payload
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}

	// A late chunk after completion starts a fresh bucket that it cannot
	// complete alone: no second delivery
	if res := a.Ingest("!node1", headers[0], bodies[0]); res.Complete {
		t.Error("late duplicate produced a second delivery")
	}
}

func TestInconsistentTotalKeepsBucket(t *testing.T) {
	a := testAssembler(Options{})
	h1 := frame.Header{MsgID: frame.PrefixOf("msg-tot"), Sequence: 1, Total: 3}
	a.Ingest("!node1", h1, []byte("one"))

	// Same message, contradictory total: dropped, bucket untouched
	h2 := frame.Header{MsgID: frame.PrefixOf("msg-tot"), Sequence: 2, Total: 5}
	a.Ingest("!node1", h2, []byte("two"))

	bitmap, total, state := a.Missing("!node1", frame.PrefixOf("msg-tot"))
	if state != StateProgress {
		t.Fatalf("state = %v, want StateProgress", state)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	missing := frame.BitmapSequences(bitmap, total)
	if len(missing) != 2 || missing[0] != 2 || missing[1] != 3 {
		t.Errorf("missing = %v, want [2 3]", missing)
	}
}

func TestSendersDoNotCollide(t *testing.T) {
	// Same prefix from two senders lands in distinct buckets
	a := testAssembler(Options{})
	h := frame.Header{MsgID: frame.PrefixOf("msg-col"), Sequence: 1, Total: 2}

	a.Ingest("!node1", h, []byte("n1"))
	a.Ingest("!node2", h, []byte("n2"))

	if n := a.Snapshot(); n != 2 {
		t.Errorf("buckets = %d, want 2", n)
	}
}

func TestGapDetection(t *testing.T) {
	a := testAssembler(Options{})
	headers, bodies := split("msg-gap", make([]byte, 1000), 210)

	// In-order arrival: no gap
	if res := a.Ingest("!node1", headers[0], bodies[0]); res.GapBitmap != nil {
		t.Error("gap reported on in-order chunk")
	}
	// Chunk 3 before chunk 2: gap at seq 2
	res := a.Ingest("!node1", headers[2], bodies[2])
	if res.GapBitmap == nil {
		t.Fatal("no gap reported for out-of-order arrival")
	}
	missing := frame.BitmapSequences(res.GapBitmap, res.Total)
	found := false
	for _, seq := range missing {
		if seq == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("gap bitmap %v does not name seq 2", missing)
	}
}

func TestTTLExpiryNeverDeliversPartial(t *testing.T) {
	a := testAssembler(Options{
		TTLBase:    20 * time.Millisecond,
		TTLQuantum: 5 * time.Millisecond,
		TTLCap:     50 * time.Millisecond,
	})
	headers, bodies := split("msg-ttl", make([]byte, 500), 210)
	a.Ingest("!node1", headers[0], bodies[0])

	if n := a.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh bucket swept: %d", n)
	}

	time.Sleep(60 * time.Millisecond)
	if n := a.Sweep(time.Now()); n != 1 {
		t.Fatalf("expired buckets swept = %d, want 1", n)
	}

	// The remaining chunks arrive too late: a new bucket forms, but the
	// old partial state is gone and nothing partial was ever delivered
	if res := a.Ingest("!node1", headers[1], bodies[1]); res.Complete {
		t.Error("partial state delivered after expiry")
	}
}

func TestTTLExtensionIsCapped(t *testing.T) {
	a := testAssembler(Options{
		TTLBase:    10 * time.Millisecond,
		TTLQuantum: 10 * time.Millisecond,
		TTLCap:     30 * time.Millisecond,
	})
	headers, bodies := split("msg-cap", make([]byte, 2000), 210)

	// Feed fresh chunks to keep extending; the cap must still win
	for i := 0; i < 3; i++ {
		a.Ingest("!node1", headers[i], bodies[i])
	}
	time.Sleep(40 * time.Millisecond)
	if n := a.Sweep(time.Now()); n != 1 {
		t.Errorf("capped bucket not swept, got %d", n)
	}
}

func TestSoftLimitEvictsOldest(t *testing.T) {
	a := testAssembler(Options{SoftLimit: 2})

	h := func(id string) frame.Header {
		return frame.Header{MsgID: frame.PrefixOf(id), Sequence: 1, Total: 2}
	}
	a.Ingest("!node1", h("msg-old1"), []byte("a"))
	time.Sleep(2 * time.Millisecond)
	a.Ingest("!node1", h("msg-old2"), []byte("b"))
	time.Sleep(2 * time.Millisecond)
	a.Ingest("!node1", h("msg-new3"), []byte("c"))

	if n := a.Snapshot(); n != 2 {
		t.Fatalf("buckets = %d, want 2 after eviction", n)
	}
	if _, _, state := a.Missing("!node1", frame.PrefixOf("msg-old1")); state != StateUnknown {
		t.Error("oldest bucket survived eviction")
	}
}

func TestMissingStates(t *testing.T) {
	a := testAssembler(Options{})
	headers, bodies := split("msg-st", []byte("hello"), 210)

	if _, _, state := a.Missing("!node1", headers[0].MsgID); state != StateUnknown {
		t.Error("unknown message not reported as StateUnknown")
	}

	a.Ingest("!node1", headers[0], bodies[0])
	if _, _, state := a.Missing("!node1", headers[0].MsgID); state != StateComplete {
		t.Error("completed message not reported as StateComplete")
	}
}
