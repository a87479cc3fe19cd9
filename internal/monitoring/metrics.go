package monitoring

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the mesh bridge transport.
// Scraped from the gateway's /metrics endpoint and visualized in Grafana.
var (
	// Chunk-level transport metrics
	ChunksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbridge_chunks_sent_total",
		Help: "Total chunk frames transmitted, by kind (data, control, resend)",
	}, []string{"kind"})

	ChunksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbridge_chunks_received_total",
		Help: "Total chunk frames received, by kind (data, control)",
	}, []string{"kind"})

	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbridge_frames_dropped_total",
		Help: "Frames discarded before delivery, by reason",
	}, []string{"reason"})

	// Selective-repeat recovery
	NacksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_nacks_sent_total",
		Help: "NACK bitmap frames emitted",
	})

	NacksSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_nacks_suppressed_total",
		Help: "NACKs withheld by the per-sequence or interval limits",
	})

	Retransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_retransmits_total",
		Help: "Chunks resent in response to NACK bitmaps",
	})

	BitmapRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_bitmap_requests_total",
		Help: "bitmap_req control frames emitted after a progress timeout",
	})

	// Reassembly
	ReassemblyBuckets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_reassembly_buckets",
		Help: "Partial messages currently buffered",
	})

	ReassemblyExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_reassembly_expired_total",
		Help: "Buckets destroyed by TTL expiry without completing",
	})

	ReassemblyCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_reassembly_completed_total",
		Help: "Messages fully reassembled and delivered",
	})

	// Outbox / spool
	SpoolDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_spool_depth",
		Help: "Durable records awaiting end-to-end ACK",
	})

	SpoolRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_spool_retries_total",
		Help: "Spool records reissued by the retry scheduler",
	})

	DeliveryFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_delivery_failed_total",
		Help: "Spool records dropped after exhausting retries",
	})

	// End-to-end
	AcksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_acks_received_total",
		Help: "Application-level ACK envelopes consumed",
	})

	RequestTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_request_timeouts_total",
		Help: "Client requests that hit the progress or absolute timeout",
	})

	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshbridge_request_duration_seconds",
		Help:    "End-to-end request latency as seen by the client",
		Buckets: []float64{1, 5, 10, 30, 60, 90, 120, 150}, // radio round-trips are slow
	})

	// Gateway dedupe
	DedupeHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_dedupe_hits_total",
		Help: "Requests answered from the dedupe cache without re-execution",
	})

	DedupeMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_dedupe_misses_total",
		Help: "Requests executed against the HTTP API",
	})

	DedupeEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_dedupe_entries",
		Help: "Cached responses currently held",
	})

	// System resources (fed by the system monitor)
	CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	MemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_memory_bytes",
		Help: "Process resident memory in bytes",
	})
)

var registerOnce sync.Once

// RegisterMetrics registers all bridge metrics with the default registry.
// Safe to call from both roles; only the first call registers.
func RegisterMetrics() {
	registerOnce.Do(registerAll)
}

func registerAll() {
	prometheus.MustRegister(
		ChunksSent,
		ChunksReceived,
		FramesDropped,
		NacksSent,
		NacksSuppressed,
		Retransmits,
		BitmapRequests,
		ReassemblyBuckets,
		ReassemblyExpired,
		ReassemblyCompleted,
		SpoolDepth,
		SpoolRetries,
		DeliveryFailed,
		AcksReceived,
		RequestTimeouts,
		RequestDuration,
		DedupeHits,
		DedupeMisses,
		DedupeEntries,
		CPUPercent,
		MemoryBytes,
	)
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
