package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels questions answered by the model.
	OutcomeSuccess = "success"
	// OutcomeDegraded labels turns produced without a usable model response.
	OutcomeDegraded = "degraded"
	// OutcomeError labels runs that ended in the Errored state.
	OutcomeError = "error"
)

const namespace = "fleet_assistant"

var (
	asksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asks_total",
			Help:      "Questions handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	askDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ask_seconds",
			Help:      "End-to-end latency of a question in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	planEntriesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_entries_dropped_total",
			Help:      "Plan entries discarded by the parser, partitioned by reason.",
		},
		[]string{"reason"},
	)

	budgetTrims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_trims_total",
			Help:      "Result blocks truncated, dropped or skipped to fit the token budget.",
		},
		[]string{"kind"},
	)

	llmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Chat completion calls, partitioned by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	snapshotRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_refresh_total",
			Help:      "Infrastructure snapshot refreshes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches fleet-assistant collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		asksTotal,
		askDurationSeconds,
		planEntriesDropped,
		budgetTrims,
		llmRequests,
		snapshotRefreshes,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAsk records a question's duration and outcome label.
func ObserveAsk(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeDegraded, OutcomeError:
	default:
		outcome = OutcomeSuccess
	}
	asksTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	askDurationSeconds.Observe(duration.Seconds())
}

// AddPlanDrops counts discarded plan entries for reason.
func AddPlanDrops(reason string, n int) {
	if n > 0 {
		planEntriesDropped.WithLabelValues(reason).Add(float64(n))
	}
}

// IncBudgetTrim counts one trim action of the given kind.
func IncBudgetTrim(kind string) {
	budgetTrims.WithLabelValues(kind).Inc()
}

// ObserveLLMRequest counts one chat completion call.
func ObserveLLMRequest(stage string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	if stage == "" {
		stage = "unknown"
	}
	llmRequests.WithLabelValues(stage, outcome).Inc()
}

// ObserveSnapshotRefresh counts one snapshot refresh.
func ObserveSnapshotRefresh(err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	snapshotRefreshes.WithLabelValues(outcome).Inc()
}
