package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "queuewatch"

// Metrics holds every collector of the process. A nil *Metrics is valid and records nothing,
// which keeps components usable in tests without a registry.
type Metrics struct {
	LockOwner        *prometheus.GaugeVec
	LockTransitions  *prometheus.CounterVec
	BufferFlushes    *prometheus.CounterVec
	BufferedOps      *prometheus.GaugeVec
	SnapshotsWritten *prometheus.CounterVec
	RollupChunks     *prometheus.CounterVec
	CatchUpEvents    *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	RuleEvaluations  *prometheus.CounterVec
	RuleErrors       *prometheus.CounterVec
	AlertsEmitted    *prometheus.CounterVec
	RetentionRemoved *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		LockOwner: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_owner",
			Help:      "1 when this process holds the host's write lock",
		}, []string{"host"}),
		LockTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_transitions_total",
			Help:      "Lock state transitions",
		}, []string{"host", "state"}),
		BufferFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Write buffer flushes by result (ok, error, dropped)",
		}, []string{"host", "result"}),
		BufferedOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_pending_ops",
			Help:      "Logical operations waiting for the next flush",
		}, []string{"host"}),
		SnapshotsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_written_total",
			Help:      "Snapshots queued for writing",
		}, []string{"host", "queue", "granularity"}),
		RollupChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_chunks_total",
			Help:      "Rollup chunks merged into a coarser granularity",
		}, []string{"host", "queue", "granularity"}),
		CatchUpEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catchup_events_total",
			Help:      "Historical events replayed by catch-up",
		}, []string{"host", "queue"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Job events dropped by the tracker",
		}, []string{"host", "queue", "reason"}),
		RuleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Rule condition evaluations",
		}, []string{"queue", "rule"}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_errors_total",
			Help:      "Rule evaluations that failed",
		}, []string{"queue", "rule"}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_emitted_total",
			Help:      "Alerts emitted by kind",
		}, []string{"queue", "kind"}),
		RetentionRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_removed_total",
			Help:      "Records removed by the retention janitor",
		}, []string{"host", "kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.LockOwner, m.LockTransitions, m.BufferFlushes, m.BufferedOps,
		m.SnapshotsWritten, m.RollupChunks, m.CatchUpEvents, m.EventsDropped,
		m.RuleEvaluations, m.RuleErrors, m.AlertsEmitted, m.RetentionRemoved,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// LockState records a lock transition.
func (m *Metrics) LockState(host, state string, owner bool) {
	if m == nil {
		return
	}
	m.LockTransitions.WithLabelValues(host, state).Inc()
	v := 0.0
	if owner {
		v = 1
	}
	m.LockOwner.WithLabelValues(host).Set(v)
}

// Flush records a write buffer flush outcome.
func (m *Metrics) Flush(host, result string) {
	if m == nil {
		return
	}
	m.BufferFlushes.WithLabelValues(host, result).Inc()
}

// Pending sets the number of buffered operations.
func (m *Metrics) Pending(host string, n int) {
	if m == nil {
		return
	}
	m.BufferedOps.WithLabelValues(host).Set(float64(n))
}

// Snapshot counts a snapshot queued at granularity.
func (m *Metrics) Snapshot(host, queue, granularity string) {
	if m == nil {
		return
	}
	m.SnapshotsWritten.WithLabelValues(host, queue, granularity).Inc()
}

// RollupChunk counts a merged rollup chunk.
func (m *Metrics) RollupChunk(host, queue, granularity string) {
	if m == nil {
		return
	}
	m.RollupChunks.WithLabelValues(host, queue, granularity).Inc()
}

// Replayed counts events replayed by catch-up.
func (m *Metrics) Replayed(host, queue string, n int) {
	if m == nil {
		return
	}
	m.CatchUpEvents.WithLabelValues(host, queue).Add(float64(n))
}

// Dropped counts a job event the tracker could not use.
func (m *Metrics) Dropped(host, queue, reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(host, queue, reason).Inc()
}

// Evaluated counts a rule evaluation, failed or not.
func (m *Metrics) Evaluated(queue, rule string, err error) {
	if m == nil {
		return
	}
	m.RuleEvaluations.WithLabelValues(queue, rule).Inc()
	if err != nil {
		m.RuleErrors.WithLabelValues(queue, rule).Inc()
	}
}

// Alert counts an emitted alert.
func (m *Metrics) Alert(queue, kind string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(queue, kind).Inc()
}

// Removed counts records deleted by retention.
func (m *Metrics) Removed(host, kind string, n int64) {
	if m == nil {
		return
	}
	m.RetentionRemoved.WithLabelValues(host, kind).Add(float64(n))
}
