package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_events_evaluated_total",
			Help: "Total number of events evaluated against the rule set",
		},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_rule_matches_total",
			Help: "Total number of rule matches",
		},
		[]string{"kind"},
	)

	AggregationEventsBucketed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_aggregation_events_bucketed_total",
			Help: "Total number of events persisted for aggregation rules",
		},
	)

	TrackerEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_tracker_evictions_total",
			Help: "Total number of event ids evicted from per-rule trackers",
		},
	)

	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_store_failures_total",
			Help: "Total number of aggregation store operation failures",
		},
		[]string{"operation"},
	)

	TrimPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_trim_pass_duration_seconds",
			Help:    "Time taken by a full tracker trim pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	AggregatePassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_aggregate_pass_duration_seconds",
			Help:    "Time taken by a full aggregate evaluation pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)
