package dispatch

import "sync/atomic"

// Stats tracks dispatcher-level counters. All fields are updated atomically
// from the reader loop and worker pool; Snapshot returns a consistent-enough
// copy for status output.
type Stats struct {
	EnvelopesDelivered int64 // non-ack envelopes handed to handlers/waiters
	AcksSent           int64 // end-to-end acks emitted
	AcksConsumed       int64 // acks settled against the outbox
	RequestsHandled    int64 // requests routed to the handler
	FramesDropped      int64 // frames discarded before delivery
}

type statsCounters struct {
	envelopesDelivered int64
	acksSent           int64
	acksConsumed       int64
	requestsHandled    int64
	framesDropped      int64
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		EnvelopesDelivered: atomic.LoadInt64(&d.stats.envelopesDelivered),
		AcksSent:           atomic.LoadInt64(&d.stats.acksSent),
		AcksConsumed:       atomic.LoadInt64(&d.stats.acksConsumed),
		RequestsHandled:    atomic.LoadInt64(&d.stats.requestsHandled),
		FramesDropped:      atomic.LoadInt64(&d.stats.framesDropped),
	}
}
