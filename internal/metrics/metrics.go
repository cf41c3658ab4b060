// Package metrics exposes Prometheus instruments for the health monitor,
// the offline queue and cycle-count allocation. Instruments live on an
// explicit Metrics value registered against a caller-supplied registry;
// a nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sectorsync"

// Metrics groups every instrument the client records.
type Metrics struct {
	connection     *prometheus.GaugeVec
	sessionState   *prometheus.GaugeVec
	queueDepth     prometheus.Gauge
	syncedOps      *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	authRetries    prometheus.Counter
	cycleAttempts  prometheus.Histogram
}

// New creates and registers the instruments on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 for the others.",
		}, []string{"status"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 for the others.",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Operations waiting in the offline queue.",
		}),
		syncedOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synced_operations_total",
			Help:      "Queued operations sent to the backend, by outcome.",
		}, []string{"outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts, by outcome.",
		}, []string{"outcome"}),
		authRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_retries_total",
			Help:      "Operations retried after an authentication failure.",
		}),
		cycleAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_count_attempts",
			Help:      "Attempts needed to write a sector with a unique cycle count.",
			Buckets:   []float64{1, 2, 3, 5, 8, 15},
		}),
	}

	collectors := []prometheus.Collector{
		m.connection, m.sessionState, m.queueDepth, m.syncedOps,
		m.tokenRefreshes, m.authRetries, m.cycleAttempts,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// SetConnection marks status as the current connection status among all.
func (m *Metrics) SetConnection(status string, all []string) {
	if m == nil {
		return
	}

	setOneHot(m.connection, status, all)
}

// SetSession marks state as the current session state among all.
func (m *Metrics) SetSession(state string, all []string) {
	if m == nil {
		return
	}

	setOneHot(m.sessionState, state, all)
}

// SetQueueDepth records the number of pending operations.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}

	m.queueDepth.Set(float64(n))
}

// AddSynced counts flushed operations by outcome.
func (m *Metrics) AddSynced(succeeded, failed int) {
	if m == nil {
		return
	}

	m.syncedOps.WithLabelValues("success").Add(float64(succeeded))
	m.syncedOps.WithLabelValues("failure").Add(float64(failed))
}

// TokenRefresh counts one refresh attempt with outcome
// ("success", "failure" or "throttled").
func (m *Metrics) TokenRefresh(outcome string) {
	if m == nil {
		return
	}

	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// AuthRetry counts one retry caused by an authentication failure.
func (m *Metrics) AuthRetry() {
	if m == nil {
		return
	}

	m.authRetries.Inc()
}

// CycleCountAttempts records how many attempts an allocation used.
func (m *Metrics) CycleCountAttempts(n int) {
	if m == nil {
		return
	}

	m.cycleAttempts.Observe(float64(n))
}

func setOneHot(g *prometheus.GaugeVec, current string, all []string) {
	for _, v := range all {
		if v == current {
			g.WithLabelValues(v).Set(1)
		} else {
			g.WithLabelValues(v).Set(0)
		}
	}
}
