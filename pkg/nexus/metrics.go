package nexus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's prometheus collectors.
type Metrics struct {
	Runs        *prometheus.CounterVec
	Tokens      *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg if reg is
// not nil. Collectors already registered by another orchestrator are
// reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "runs_total",
			Help:      "Runs by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "tokens_total",
			Help:      "Tokens streamed by engine.",
		}, []string{"engine"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "invocation_failures_total",
			Help:      "Failed or skipped steps by engine and kind.",
		}, []string{"engine", "kind"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nexus",
			Name:      "run_duration_seconds",
			Help:      "Run wall time by strategy.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"strategy"}),
	}
	if reg == nil {
		return m
	}
	m.Runs = register(reg, m.Runs)
	m.Tokens = register(reg, m.Tokens)
	m.Failures = register(reg, m.Failures)
	m.RunDuration = register(reg, m.RunDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Run outcomes.
const (
	outcomeSuccess   = "success"
	outcomePartial   = "partial"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeRejected  = "rejected"
)
