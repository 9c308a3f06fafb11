// Package detect implements the rule-matching and temporal-aggregation
// engine.
//
// It contains:
//   - the expression combinator library assembling compiled boolean
//     predicates (and aggregation triples) from smaller fragments
//   - EventLRUTracker, the bounded per-rule index of event ids currently in
//     a rule's active correlation window
//   - Aggregator, which owns per-rule correlation state and mediates
//     between live event evaluation and the durable aggregation store
//   - Detector, the pipeline evaluating incoming events against the
//     registered rule set and driving the periodic aggregate and trim passes
//
// No global lock serializes matching: per-rule state is independently
// synchronized, and operations against different rule ids proceed fully in
// parallel.
package detect
