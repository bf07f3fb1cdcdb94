package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the dispatch subsystem.
type Metrics struct {
	SubmitsTotal       *prometheus.CounterVec
	OutagesTotal       prometheus.Counter
	GateFailClosed     prometheus.Counter
	OracleCallsTotal   *prometheus.CounterVec
	OracleDuration     *prometheus.HistogramVec
	ResolutionsTotal   *prometheus.CounterVec
	ReassignmentsTotal prometheus.Counter
	NotificationsTotal *prometheus.CounterVec
	LoadClampsTotal    prometheus.Counter
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_submits_total",
			Help: "Total report submissions by disposition.",
		}, []string{"disposition"}),
		OutagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_outages_total",
			Help: "Total outage escalations emitted by the gate.",
		}),
		GateFailClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_gate_fail_closed_total",
			Help: "Duplicate/outage gate failures recovered by failing closed.",
		}),
		OracleCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_oracle_calls_total",
			Help: "Total Decision Oracle calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		OracleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_oracle_call_duration_seconds",
			Help:    "Duration of Decision Oracle calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"op"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_resolutions_total",
			Help: "Total ticket resolutions by outcome.",
		}, []string{"outcome"}),
		ReassignmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_reassignments_total",
			Help: "Total completed ticket reassignments after refusal.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_notifications_total",
			Help: "Total outbound notifications by kind and outcome.",
		}, []string{"kind", "outcome"}),
		LoadClampsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_load_clamps_total",
			Help: "Load decrements clamped at zero (invariant violations).",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.OutagesTotal,
		m.GateFailClosed,
		m.OracleCallsTotal,
		m.OracleDuration,
		m.ResolutionsTotal,
		m.ReassignmentsTotal,
		m.NotificationsTotal,
		m.LoadClampsTotal,
	)

	return m
}
