package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes used as the "outcome" label.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeTransient    = "transient"
	OutcomeTerminal     = "terminal"
	OutcomeConflict     = "conflict"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
)

// SyncMetrics instruments the sync engine, the media uploader and the
// connectivity monitor. The zero value and nil receivers are no-ops.
type SyncMetrics struct {
	dispatched  *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
	uploads     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	flushes     prometheus.Counter
}

// NewSyncMetrics registers sync metrics on reg. A nil registerer yields a
// no-op instance.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	m := &SyncMetrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dispatched_total",
			Help:      "Queue entries handed to the remote client.",
		}, []string{"table", "op"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "outcomes_total",
			Help:      "Dispatch outcomes by table.",
		}, []string{"table", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of remote entity calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Outstanding queue entries by status.",
		}, []string{"status"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "uploads_total",
			Help:      "Media upload attempts by resulting state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "transitions_total",
			Help:      "Published connectivity transitions.",
		}, []string{"state"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "flushes_total",
			Help:      "Completed flush runs.",
		}),
	}
	reg.MustRegister(m.dispatched, m.outcomes, m.duration, m.queueDepth, m.uploads, m.transitions, m.flushes)
	return m
}

// Dispatched counts an entry handed to the remote client.
func (m *SyncMetrics) Dispatched(table, op string) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.WithLabelValues(normalizeLabel(table), normalizeLabel(op)).Inc()
}

// Outcome counts the result of a dispatch.
func (m *SyncMetrics) Outcome(table, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(table), normalizeLabel(outcome)).Inc()
}

// ObserveDispatch records the latency of one remote entity call.
func (m *SyncMetrics) ObserveDispatch(table string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(table)).Observe(d.Seconds())
}

// SetQueueDepth publishes the number of entries in the given status.
func (m *SyncMetrics) SetQueueDepth(status string, depth int64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(status)).Set(float64(depth))
}

// MediaUpload counts an upload attempt that ended in state.
func (m *SyncMetrics) MediaUpload(state string) {
	if m == nil || m.uploads == nil {
		return
	}
	m.uploads.WithLabelValues(normalizeLabel(state)).Inc()
}

// ConnectivityTransition counts a published online/offline change.
func (m *SyncMetrics) ConnectivityTransition(connected bool) {
	if m == nil || m.transitions == nil {
		return
	}
	state := "offline"
	if connected {
		state = "online"
	}
	m.transitions.WithLabelValues(state).Inc()
}

// FlushCompleted counts a finished flush.
func (m *SyncMetrics) FlushCompleted() {
	if m == nil || m.flushes == nil {
		return
	}
	m.flushes.Inc()
}
