package core

import (
	"time"
)

// Predicate is a compiled single-event match function. Predicates are pure
// and reentrant; they are compiled once at rule load time and invoked on the
// hot path for every event. A predicate is responsible for null-safe field
// access: missing fields are normal data variance, not errors.
type Predicate func(e *Event) bool

// AggregateProducer queries the currently bucketed events of an aggregation
// rule and returns a synthesized representative event when the correlation
// condition holds, or nil when it does not.
type AggregateProducer func() *Event

// DetailsProducer renders human-readable match details for an event
type DetailsProducer func(e *Event, meta *RuleMetadata) string

// RuleMetadata is the immutable descriptive part of a rule.
// Timeframe is the optional correlation window; zero means the process-wide
// default applies.
type RuleMetadata struct {
	ID             string        `json:"id" example:"win_sec_failed_logon_burst"`
	Title          string        `json:"title" example:"Failed Logon Burst"`
	Author         string        `json:"author,omitempty"`
	Level          string        `json:"level,omitempty" example:"high"`
	Status         string        `json:"status,omitempty" example:"stable"`
	Date           time.Time     `json:"date,omitempty"`
	Modified       time.Time     `json:"modified,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	References     []string      `json:"references,omitempty"`
	FalsePositives []string      `json:"false_positives,omitempty"`
	Timeframe      time.Duration `json:"timeframe,omitempty" swaggertype:"integer"`
}

// Rule is the contract shared by all rule kinds. Identity, equality and
// hashing are by ID only; use rule ids as map keys.
type Rule interface {
	ID() string
	Metadata() *RuleMetadata
}

// SameRule reports whether two rules share the same identity
func SameRule(a, b Rule) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}

// RuleMatch is the transient result of a single rule evaluation. It is
// produced fresh per evaluation and never persisted. Date is derived from
// the triggering (or aggregate) event's own timestamp, normalized to UTC.
type RuleMatch struct {
	Matched bool          `json:"matched"`
	Details string        `json:"details,omitempty"`
	Elapsed time.Duration `json:"elapsed" swaggertype:"integer"`
	Date    time.Time     `json:"date"`
	Event   *Event        `json:"event,omitempty"`
}

// ruleBase carries the metadata shared by both rule kinds
type ruleBase struct {
	meta RuleMetadata
}

func (r *ruleBase) ID() string {
	return r.meta.ID
}

func (r *ruleBase) Metadata() *RuleMetadata {
	return &r.meta
}

// StandardRule matches independently per event. It holds a compiled
// single-event predicate and a details producer; there is no persisted
// state, every match is evaluated from the incoming event alone.
type StandardRule struct {
	ruleBase
	predicate Predicate
	details   DetailsProducer
}

// NewStandardRule creates a standard rule from compiled parts.
// A nil predicate yields a rule that never matches; a nil details producer
// yields a rule whose matches carry empty details.
func NewStandardRule(meta RuleMetadata, predicate Predicate, details DetailsProducer) *StandardRule {
	return &StandardRule{
		ruleBase:  ruleBase{meta: meta},
		predicate: predicate,
		details:   details,
	}
}

// TryMatch evaluates the rule's predicate against the event. On a match it
// returns a RuleMatch carrying the computed details, the evaluation elapsed
// time and the event's own timestamp. Panics raised inside the compiled
// predicate propagate: an evaluation bug must not be read as "no match".
func (r *StandardRule) TryMatch(e *Event) (bool, *RuleMatch) {
	if r.predicate == nil {
		return false, nil
	}
	start := time.Now()
	if !r.predicate(e) {
		return false, nil
	}
	details := ""
	if r.details != nil {
		details = r.details(e, &r.meta)
	}
	return true, &RuleMatch{
		Matched: true,
		Details: details,
		Elapsed: time.Since(start),
		Date:    e.Timestamp.UTC(),
		Event:   e,
	}
}

// AggregationRule correlates multiple events inside a time window before
// matching. The inclusion predicate decides whether an incoming event
// contributes to the rule's window; the producer reads the bucketed events
// and fires the aggregate match.
type AggregationRule struct {
	ruleBase
	inclusion  Predicate
	producer   AggregateProducer
	details    DetailsProducer
	properties []string
}

// NewAggregationRule creates an aggregation rule from compiled parts.
// properties is the set of grouping/aggregation field names the rule's
// queries are built on.
func NewAggregationRule(meta RuleMetadata, inclusion Predicate, producer AggregateProducer, details DetailsProducer, properties []string) *AggregationRule {
	return &AggregationRule{
		ruleBase:   ruleBase{meta: meta},
		inclusion:  inclusion,
		producer:   producer,
		details:    details,
		properties: append([]string(nil), properties...),
	}
}

// Properties returns the rule's grouping/aggregation property names
func (r *AggregationRule) Properties() []string {
	return r.properties
}

// Timeframe returns the rule's effective correlation window: the metadata
// timeframe when set, the process-wide default otherwise.
func (r *AggregationRule) Timeframe() time.Duration {
	if r.meta.Timeframe > 0 {
		return r.meta.Timeframe
	}
	return DefaultRuleTimeframe
}

// TryMatch evaluates only the per-event inclusion predicate. It decides
// whether the event should be bucketed for this rule; it never produces a
// RuleMatch directly.
func (r *AggregationRule) TryMatch(e *Event) bool {
	if r.inclusion == nil {
		return false
	}
	return r.inclusion(e)
}

// TryMatchAggregate invokes the aggregate producer with no event argument.
// The producer reads from the backing store; a non-nil result is a
// correlation match, packaged the same way as a standard match and timed
// over the producer call.
func (r *AggregationRule) TryMatchAggregate() (bool, *RuleMatch) {
	if r.producer == nil {
		return false, nil
	}
	start := time.Now()
	agg := r.producer()
	if agg == nil {
		return false, nil
	}
	details := ""
	if r.details != nil {
		details = r.details(agg, &r.meta)
	}
	return true, &RuleMatch{
		Matched: true,
		Details: details,
		Elapsed: time.Since(start),
		Date:    agg.Timestamp.UTC(),
		Event:   agg,
	}
}
