package core

import "time"

const (
	// DefaultRuleTimeframe is the process-wide correlation window applied to
	// aggregation rules whose metadata does not carry an explicit timeframe.
	// A tracker configured with exactly this value treats the rule as having
	// no particular window and evicts by capacity only.
	DefaultRuleTimeframe = 24 * time.Hour

	// DefaultMaxAggregationEventsPerRule bounds the number of event ids a
	// single rule's tracker may hold, independent of ingestion rate.
	DefaultMaxAggregationEventsPerRule = 512
)
