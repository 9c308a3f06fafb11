package storage

import (
	"context"

	"warden/core"
)

// AggregationStore is the durable repository holding bucketed event payloads
// for aggregation rules. The aggregation engine is the exclusive caller
// responsible for keeping its in-memory trackers consistent with what this
// store holds.
type AggregationStore interface {
	// Query runs an ad hoc lookup against a rule's bucketed events.
	// Aggregate producers use it to build their correlation queries.
	Query(ruleID string, query string) ([]*core.Event, error)

	// Insert persists newly-qualifying events per rule. For every successful
	// insert it invokes onInsert with the owning rule, the store-assigned
	// event id and the full column set involved. props supplies the
	// grouping/aggregation property names per rule; a nil provider falls
	// back to the rule's own properties. A failure for one rule must not
	// block inserts for other rules in the batch.
	Insert(ctx context.Context, byRule map[*core.AggregationRule][]*core.Event, onInsert InsertCallback, props RulePropertiesProvider) error

	// Delete removes the given event ids from a rule's bucket
	Delete(ctx context.Context, ruleID string, ids []int64) error
}

// InsertCallback reports a successfully persisted event back to the engine
type InsertCallback func(rule *core.AggregationRule, id int64, columns []string)

// RulePropertiesProvider supplies the grouping/aggregation property names
// used when building queries for a rule
type RulePropertiesProvider interface {
	GetProperties(ruleID string) []string
}
