package reliability

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas-command/meshbridge/internal/frame"
	"github.com/atlas-command/meshbridge/internal/reassembly"
)

// captureSend records every frame handed to the radio.
type captureSend struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureSend) send(_ context.Context, _ string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *captureSend) headers(t *testing.T) []frame.Header {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	headers := make([]frame.Header, 0, len(c.frames))
	for _, f := range c.frames {
		h, _, err := frame.Parse(f)
		if err != nil {
			t.Fatalf("captured frame failed to parse: %v", err)
		}
		headers = append(headers, h)
	}
	return headers
}

func (c *captureSend) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestTransmitSequenceOrder(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{SegmentSize: 100}, snd.send, zerolog.Nop())

	payload := make([]byte, 450) // 5 chunks
	rand.New(rand.NewSource(1)).Read(payload)
	if err := e.Transmit(context.Background(), "!gw", "msg-order-1", payload); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}

	headers := snd.headers(t)
	if len(headers) != 5 {
		t.Fatalf("chunks = %d, want 5", len(headers))
	}
	for i, h := range headers {
		if h.Sequence != uint16(i+1) {
			t.Errorf("chunk %d has sequence %d", i, h.Sequence)
		}
		if h.Total != 5 {
			t.Errorf("chunk %d has total %d, want 5", i, h.Total)
		}
		if h.Flags != 0 {
			t.Errorf("data chunk %d carries flags %02x", i, h.Flags)
		}
	}
}

func TestSingleChunkSkipsRecovery(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{}, snd.send, zerolog.Nop())

	if err := e.Transmit(context.Background(), "!gw", "msg-one", []byte("tiny")); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if snd.count() != 1 {
		t.Fatalf("frames = %d, want 1", snd.count())
	}
	// No pending entry: no bitmap polling for single-chunk messages
	if _, ok := e.LastActivity("msg-one"); ok {
		t.Error("single-chunk message registered for recovery")
	}
}

func TestSimpleStrategySkipsRecovery(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{SegmentSize: 50, Strategy: StrategySimple}, snd.send, zerolog.Nop())

	if err := e.Transmit(context.Background(), "!gw", "msg-simple", make([]byte, 300)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if _, ok := e.LastActivity("msg-simple"); ok {
		t.Error("simple strategy registered pending state")
	}
}

func TestHandleNackResendsOnlyMissing(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{SegmentSize: 100}, snd.send, zerolog.Nop())

	payload := make([]byte, 600) // 6 chunks
	rand.New(rand.NewSource(2)).Read(payload)
	if err := e.Transmit(context.Background(), "!gw", "msg-nack-1", payload); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	first := snd.count()

	// seq 3 missing: bitmap 00000100
	prefix := frame.PrefixOf("msg-nack-1")
	e.HandleNack(context.Background(), "!gw", prefix, []byte{0x04})

	headers := snd.headers(t)
	resent := headers[first:]
	if len(resent) != 1 {
		t.Fatalf("resent %d chunks, want 1", len(resent))
	}
	if resent[0].Sequence != 3 {
		t.Errorf("resent sequence %d, want 3", resent[0].Sequence)
	}

	// The resent frame is byte-identical to the original
	snd.mu.Lock()
	if !bytes.Equal(snd.frames[2], snd.frames[first]) {
		t.Error("resent frame differs from original chunk 3")
	}
	snd.mu.Unlock()
}

func TestHandleNackAscendingOrder(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{SegmentSize: 100}, snd.send, zerolog.Nop())

	if err := e.Transmit(context.Background(), "!gw", "msg-nack-2", make([]byte, 900)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	first := snd.count()

	// seqs 2, 5, 9 missing
	bitmap := frame.MissingBitmap(9, func(seq int) bool {
		return seq != 2 && seq != 5 && seq != 9
	})
	e.HandleNack(context.Background(), "!gw", frame.PrefixOf("msg-nack-2"), bitmap)

	resent := snd.headers(t)[first:]
	want := []uint16{2, 5, 9}
	if len(resent) != len(want) {
		t.Fatalf("resent %d chunks, want %d", len(resent), len(want))
	}
	for i, h := range resent {
		if h.Sequence != want[i] {
			t.Errorf("resend %d has sequence %d, want %d", i, h.Sequence, want[i])
		}
	}
}

func TestBitmapRequestAfterTimeout(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{
		SegmentSize: 100,
		Timeout:     10 * time.Millisecond,
		AbsoluteCap: time.Minute,
	}, snd.send, zerolog.Nop())

	if err := e.Transmit(context.Background(), "!gw", "msg-probe", make([]byte, 300)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	first := snd.count()

	time.Sleep(15 * time.Millisecond)
	e.tick(context.Background(), time.Now())

	headers := snd.headers(t)
	if len(headers) != first+1 {
		t.Fatalf("frames after tick = %d, want %d", len(headers), first+1)
	}
	probe := headers[first]
	if probe.Flags != frame.FlagAck {
		t.Errorf("probe flags = %02x, want ACK", probe.Flags)
	}
	snd.mu.Lock()
	_, body, _ := frame.Parse(snd.frames[first])
	snd.mu.Unlock()
	verb, id, err := frame.ParseControl(body)
	if err != nil || verb != frame.ControlBitmapReq || id != "msg-probe" {
		t.Errorf("probe body = %q %q (%v), want bitmap_req msg-probe", verb, id, err)
	}
}

func TestActivityResetsTimer(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{
		SegmentSize: 100,
		Timeout:     20 * time.Millisecond,
		AbsoluteCap: time.Minute,
	}, snd.send, zerolog.Nop())

	if err := e.Transmit(context.Background(), "!gw", "msg-act", make([]byte, 300)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	first := snd.count()

	time.Sleep(12 * time.Millisecond)
	e.NoteActivity(frame.PrefixOf("msg-act"))
	e.tick(context.Background(), time.Now())

	if snd.count() != first {
		t.Error("bitmap request issued despite fresh activity")
	}
}

func TestAllReceivedStopsPolling(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{
		SegmentSize: 100,
		Timeout:     time.Millisecond,
		AbsoluteCap: time.Minute,
	}, snd.send, zerolog.Nop())

	if err := e.Transmit(context.Background(), "!gw", "msg-done", make([]byte, 300)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	e.HandleAllReceived(frame.PrefixOf("msg-done"))
	first := snd.count()

	time.Sleep(5 * time.Millisecond)
	e.tick(context.Background(), time.Now())

	if snd.count() != first {
		t.Error("settled message still polled")
	}
}

func TestCompleteForgetsMessage(t *testing.T) {
	snd := &captureSend{}
	e := NewEngine(Config{SegmentSize: 100}, snd.send, zerolog.Nop())

	if err := e.Transmit(context.Background(), "!gw", "msg-fin", make([]byte, 300)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if _, ok := e.LastActivity("msg-fin"); !ok {
		t.Fatal("message not tracked after transmit")
	}
	e.Complete("msg-fin")
	if _, ok := e.LastActivity("msg-fin"); ok {
		t.Error("message still tracked after Complete")
	}
}

func newTestReceiver(cfg ReceiverConfig, send SendFunc) (*Receiver, *reassembly.Assembler) {
	asm := reassembly.New(zerolog.Nop(), reassembly.Options{})
	return NewReceiver(cfg, asm, send, zerolog.Nop()), asm
}

func feed(t *testing.T, r *Receiver, sender, id string, seqs []int, total int) {
	t.Helper()
	for _, seq := range seqs {
		h := frame.Header{
			MsgID:    frame.PrefixOf(id),
			Sequence: uint16(seq),
			Total:    uint16(total),
		}
		r.OnData(context.Background(), sender, h, []byte{byte(seq)})
	}
}

func TestReceiverNackInterval(t *testing.T) {
	snd := &captureSend{}
	r, _ := newTestReceiver(ReceiverConfig{NackInterval: time.Hour, NackMaxPerSeq: 10}, snd.send)

	// Two gaps in quick succession: only one NACK frame within the interval
	feed(t, r, "!cl", "msg-rate", []int{1, 3, 5}, 6)

	nacks := 0
	for _, h := range snd.headers(t) {
		if h.Flags == frame.FlagNack {
			nacks++
		}
	}
	if nacks != 1 {
		t.Errorf("NACK frames = %d, want 1 within interval", nacks)
	}
}

func TestReceiverNackPerSeqBudget(t *testing.T) {
	snd := &captureSend{}
	r, _ := newTestReceiver(ReceiverConfig{NackInterval: time.Nanosecond, NackMaxPerSeq: 3}, snd.send)

	feed(t, r, "!cl", "msg-budget", []int{1, 3}, 3)

	// Poll well past the per-sequence budget
	for i := 0; i < 10; i++ {
		time.Sleep(time.Microsecond)
		r.OnBitmapReq(context.Background(), "!cl", frame.PrefixOf("msg-budget"))
	}

	perSeq := 0
	for i, h := range snd.headers(t) {
		if h.Flags != frame.FlagNack {
			continue
		}
		snd.mu.Lock()
		_, body, _ := frame.Parse(snd.frames[i])
		snd.mu.Unlock()
		for _, seq := range frame.BitmapSequences(body, 3) {
			if seq == 2 {
				perSeq++
			}
		}
	}
	if perSeq > 3 {
		t.Errorf("sequence 2 named in %d NACKs, budget is 3", perSeq)
	}
	if perSeq == 0 {
		t.Error("sequence 2 never NACKed")
	}
}

func TestReceiverAnswersBitmapReq(t *testing.T) {
	snd := &captureSend{}
	r, _ := newTestReceiver(ReceiverConfig{NackInterval: time.Nanosecond, NackMaxPerSeq: 10}, snd.send)

	feed(t, r, "!cl", "msg-poll", []int{1, 2, 4, 5, 6}, 6)
	time.Sleep(time.Microsecond)
	before := snd.count()
	r.OnBitmapReq(context.Background(), "!cl", frame.PrefixOf("msg-poll"))

	headers := snd.headers(t)
	if len(headers) != before+1 {
		t.Fatalf("frames = %d, want %d", len(headers), before+1)
	}
	h := headers[before]
	if h.Flags != frame.FlagNack {
		t.Fatalf("reply flags = %02x, want NACK", h.Flags)
	}
	snd.mu.Lock()
	_, body, _ := frame.Parse(snd.frames[before])
	snd.mu.Unlock()
	if len(body) != 1 || body[0] != 0x04 {
		t.Errorf("bitmap = % X, want 04", body)
	}
}

func TestReceiverAllReceivedOnCompletion(t *testing.T) {
	snd := &captureSend{}
	r, _ := newTestReceiver(ReceiverConfig{}, snd.send)

	var payload []byte
	for seq := 1; seq <= 3; seq++ {
		h := frame.Header{MsgID: frame.PrefixOf("msg-full"), Sequence: uint16(seq), Total: 3}
		if p, done := r.OnData(context.Background(), "!cl", h, []byte{byte(seq)}); done {
			payload = p
		}
	}
	if !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Fatalf("payload = %v, want [1 2 3]", payload)
	}

	found := false
	for i, h := range snd.headers(t) {
		if h.Flags != frame.FlagAck {
			continue
		}
		snd.mu.Lock()
		_, body, _ := frame.Parse(snd.frames[i])
		snd.mu.Unlock()
		if verb, _, err := frame.ParseControl(body); err == nil && verb == frame.ControlAllReceived {
			found = true
		}
	}
	if !found {
		t.Error("no all_received marker after completion")
	}

	// A late bitmap request is answered with all_received, not a NACK
	before := snd.count()
	r.OnBitmapReq(context.Background(), "!cl", frame.PrefixOf("msg-full"))
	headers := snd.headers(t)
	if len(headers) != before+1 || headers[before].Flags != frame.FlagAck {
		t.Error("late bitmap request not answered with all_received")
	}
}
