package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
	"warden/storage"
	"warden/util/goroutine"
)

// Aggregator owns per-rule correlation state and mediates between live
// event evaluation and the durable aggregation store.
//
// For every rule id it lazily maintains a bounded EventLRUTracker and the
// accumulated set of distinct data-field names ("columns") ever observed for
// that rule. The tracker is created exactly once per rule id even under
// concurrent first use, lives until the rule is removed, and is cleared (not
// destroyed) whenever the rule's aggregate fires.
//
// Construct one Aggregator per process and hand the reference to all
// consumers; there is no ambient singleton.
type Aggregator struct {
	store            storage.AggregationStore
	props            storage.RulePropertiesProvider
	maxEventsPerRule int
	logger           *zap.SugaredLogger

	// states maps rule id to *ruleAggregationState
	states sync.Map

	// newTracker is the tracker constructor, replaceable in tests
	newTracker func(timeframe time.Duration, capacity int) *EventLRUTracker
}

// ruleAggregationState is the per-rule state owned by the Aggregator.
// tracker is nil until the rule's first insert; columns grows monotonically.
type ruleAggregationState struct {
	mu      sync.RWMutex
	tracker *EventLRUTracker
	columns map[string]struct{}
}

// getTracker returns the tracker, or nil when none has been created yet
func (st *ruleAggregationState) getTracker() *EventLRUTracker {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.tracker
}

// ensureTracker creates the tracker on first use. Double-checked so that
// concurrent first inserts for the same rule observe a single instance and
// the constructor runs at most once.
func (st *ruleAggregationState) ensureTracker(construct func() *EventLRUTracker) *EventLRUTracker {
	st.mu.RLock()
	t := st.tracker
	st.mu.RUnlock()
	if t != nil {
		return t
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.tracker == nil {
		st.tracker = construct()
	}
	return st.tracker
}

func (st *ruleAggregationState) addColumns(columns []string) {
	if len(columns) == 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range columns {
		st.columns[c] = struct{}{}
	}
}

func (st *ruleAggregationState) containsColumn(column string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.columns[column]
	return ok
}

func (st *ruleAggregationState) columnSet() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.columns))
	for c := range st.columns {
		out = append(out, c)
	}
	return out
}

// NewAggregator creates the aggregation engine. maxEventsPerRule bounds each
// rule's tracker; a non-positive value falls back to
// core.DefaultMaxAggregationEventsPerRule. props may be nil, in which case
// the store falls back to each rule's own properties.
func NewAggregator(store storage.AggregationStore, props storage.RulePropertiesProvider, maxEventsPerRule int, logger *zap.SugaredLogger) *Aggregator {
	if maxEventsPerRule <= 0 {
		maxEventsPerRule = core.DefaultMaxAggregationEventsPerRule
	}
	return &Aggregator{
		store:            store,
		props:            props,
		maxEventsPerRule: maxEventsPerRule,
		logger:           logger,
		newTracker:       NewEventLRUTracker,
	}
}

func (a *Aggregator) state(ruleID string) (*ruleAggregationState, bool) {
	v, ok := a.states.Load(ruleID)
	if !ok {
		return nil, false
	}
	return v.(*ruleAggregationState), true
}

func (a *Aggregator) ensureState(ruleID string) *ruleAggregationState {
	if st, ok := a.state(ruleID); ok {
		return st
	}
	v, _ := a.states.LoadOrStore(ruleID, &ruleAggregationState{columns: make(map[string]struct{})})
	return v.(*ruleAggregationState)
}

// Matched clears the rule's tracker after its aggregate fired (or any other
// signal that the correlation window should be invalidated) and returns the
// event unchanged so it composes in a pipeline. Calling it for a rule id
// that has no tracker yet is a no-op.
func (a *Aggregator) Matched(ruleID string, e *core.Event) *core.Event {
	if st, ok := a.state(ruleID); ok {
		if t := st.getTracker(); t != nil {
			t.Clear()
		}
	}
	return e
}

// ContainsColumn reports whether a field name has ever been observed for
// this rule. Callers use it to decide whether the backing store's schema
// already accommodates a field before querying on it.
func (a *Aggregator) ContainsColumn(ruleID, column string) bool {
	st, ok := a.state(ruleID)
	return ok && st.containsColumn(column)
}

// Columns returns the accumulated column set recorded for a rule
func (a *Aggregator) Columns(ruleID string) []string {
	st, ok := a.state(ruleID)
	if !ok {
		return nil
	}
	return st.columnSet()
}

// Query passes an ad hoc lookup through to the backing store
func (a *Aggregator) Query(ruleID string, query string) ([]*core.Event, error) {
	return a.store.Query(ruleID, query)
}

// Add persists each rule's newly-qualifying events via the backing store.
// Every successful insert reports back the assigned event id and the column
// set involved, which Add folds into the rule's tracker and accumulated
// columns. Tracker initialization uses the rule's effective timeframe and
// the engine's max-events bound, exactly once per rule id.
func (a *Aggregator) Add(ctx context.Context, byRule map[*core.AggregationRule][]*core.Event) error {
	if len(byRule) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.store.Insert(ctx, byRule, func(rule *core.AggregationRule, id int64, columns []string) {
		st := a.ensureState(rule.ID())
		tracker := st.ensureTracker(func() *EventLRUTracker {
			return a.newTracker(rule.Timeframe(), a.maxEventsPerRule)
		})
		tracker.OnEventInsert(id)
		st.addColumns(columns)
		metrics.AggregationEventsBucketed.Inc()
	}, a.props)
}

// TrimExpired trims time-expired ids from every given rule that already has
// a tracker, then deletes the ids evicted since the last drain from the
// backing store. Rules with no tracker yet are skipped. Per-rule trims run
// concurrently; a store failure for one rule never blocks the others, and
// its drained ids are re-queued so a later pass retries the prune.
// Cancellation stops in-flight per-rule work without rolling back committed
// state.
func (a *Aggregator) TrimExpired(ctx context.Context, rules []*core.AggregationRule) error {
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	record := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, rule := range rules {
		st, ok := a.state(rule.ID())
		if !ok {
			continue
		}
		tracker := st.getTracker()
		if tracker == nil {
			continue
		}

		wg.Add(1)
		go func(rule *core.AggregationRule, tracker *EventLRUTracker) {
			defer wg.Done()
			defer goroutine.Recover("aggregation-trim", a.logger)

			select {
			case <-ctx.Done():
				record(ctx.Err())
				return
			default:
			}

			tracker.TrimExpired()
			ids := tracker.DeletedEventIDs()
			if len(ids) == 0 {
				return
			}
			metrics.TrackerEvictions.Add(float64(len(ids)))
			if err := a.store.Delete(ctx, rule.ID(), ids); err != nil {
				metrics.StoreFailures.WithLabelValues("delete").Inc()
				a.logger.Errorw("Failed to prune evicted aggregation events",
					"ruleID", rule.ID(),
					"evicted", len(ids),
					"error", err)
				// keep the ids pending so the next pass retries the prune
				tracker.requeueDeleted(ids)
				record(fmt.Errorf("trim rule %s: %w", rule.ID(), err))
			}
		}(rule, tracker)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// Remove drops a rule's aggregation state entirely. Callers invoke it when
// the rule itself is deleted; pruning the rule's bucket in the backing store
// is the caller's responsibility.
func (a *Aggregator) Remove(ruleID string) {
	a.states.Delete(ruleID)
}
