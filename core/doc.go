// Package core defines the domain model for the Warden detection engine.
//
// It provides:
//   - Event, the structured audit record evaluated by rules
//   - RuleMetadata and the Rule interface shared by all rule kinds
//   - StandardRule (stateless, per-event match) and AggregationRule
//     (stateful, time-windowed correlation match)
//   - RuleMatch, the transient result of a rule evaluation
//
// Rules carry compiled predicates and producers; compilation happens in the
// rule loader, never here. Rule identity, equality and hashing are by ID
// only.
package core
