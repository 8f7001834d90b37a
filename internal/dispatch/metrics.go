package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks dispatch activity over the process lifetime, exposed both
// as Prometheus series and as a JSON snapshot for the stats endpoint.
type Metrics struct {
	attempts  *prometheus.CounterVec
	successes *prometheus.CounterVec
	failures  *prometheus.CounterVec
	queued    prometheus.Gauge
	busy      prometheus.Gauge

	mu        sync.Mutex
	receivers map[string]*ReceiverStats
	started   time.Time
}

// ReceiverStats are lifetime dispatch totals for one receiver.
type ReceiverStats struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Stats is the snapshot served by the dispatch stats endpoint.
type Stats struct {
	UptimeSeconds  float64                  `json:"uptime_seconds"`
	TotalAttempts  int64                    `json:"total_attempts"`
	TotalSuccesses int64                    `json:"total_successes"`
	TotalFailures  int64                    `json:"total_failures"`
	Receivers      map[string]ReceiverStats `json:"receivers"`
}

// NewMetrics registers the dispatch series with reg and returns the tracker.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearline",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "HTTP attempts per receiver, counting retries.",
		}, []string{"receiver"}),
		successes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearline",
			Subsystem: "dispatch",
			Name:      "successes_total",
			Help:      "Dispatches that ended in success, per receiver.",
		}, []string{"receiver"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearline",
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Dispatches that ended in failure, per receiver.",
		}, []string{"receiver"}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hearline",
			Subsystem: "dispatch",
			Name:      "pool_queued",
			Help:      "Jobs waiting in the dispatch pool queue.",
		}),
		busy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hearline",
			Subsystem: "dispatch",
			Name:      "pool_busy_workers",
			Help:      "Pool workers currently executing a dispatch.",
		}),
		receivers: make(map[string]*ReceiverStats),
		started:   time.Now(),
	}
}

func (m *Metrics) record(receiver string, out Outcome) {
	m.attempts.WithLabelValues(receiver).Add(float64(out.Attempts))
	if out.Success {
		m.successes.WithLabelValues(receiver).Inc()
	} else {
		m.failures.WithLabelValues(receiver).Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.receivers[receiver]
	if !ok {
		rs = &ReceiverStats{}
		m.receivers[receiver] = rs
	}
	rs.Attempts += int64(out.Attempts)
	if out.Success {
		rs.Successes++
	} else {
		rs.Failures++
	}
}

// Snapshot returns a copy of the lifetime totals.
func (m *Metrics) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		UptimeSeconds: time.Since(m.started).Seconds(),
		Receivers:     make(map[string]ReceiverStats, len(m.receivers)),
	}
	for name, rs := range m.receivers {
		stats.Receivers[name] = *rs
		stats.TotalAttempts += rs.Attempts
		stats.TotalSuccesses += rs.Successes
		stats.TotalFailures += rs.Failures
	}
	return stats
}
