package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
	"warden/util/goroutine"
)

const (
	// matchBufferSize is the capacity of the detector's match channel
	matchBufferSize = 256

	// stopTimeout bounds how long Stop waits for the periodic passes
	stopTimeout = 5 * time.Second
)

// Detector evaluates incoming events against the registered rule set and
// drives the periodic aggregate and trim passes.
//
// Standard rules are matched inline per event. Events passing an aggregation
// rule's inclusion predicate are handed to the Aggregator for persistence
// and window bookkeeping; the periodic aggregate pass invokes each
// aggregation rule's producer and resets the rule's window when it fires.
type Detector struct {
	aggregator        *Aggregator
	aggregateInterval time.Duration
	trimInterval      time.Duration
	logger            *zap.SugaredLogger

	rulesMu     sync.RWMutex
	standard    []*core.StandardRule
	aggregation []*core.AggregationRule
	byID        map[string]core.Rule

	matches chan *core.RuleMatch

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDetector creates a detector around an existing Aggregator. The
// intervals control the periodic aggregate and trim passes; non-positive
// values fall back to one minute.
func NewDetector(aggregator *Aggregator, aggregateInterval, trimInterval time.Duration, logger *zap.SugaredLogger) *Detector {
	if aggregateInterval <= 0 {
		aggregateInterval = time.Minute
	}
	if trimInterval <= 0 {
		trimInterval = time.Minute
	}
	return &Detector{
		aggregator:        aggregator,
		aggregateInterval: aggregateInterval,
		trimInterval:      trimInterval,
		logger:            logger,
		byID:              make(map[string]core.Rule),
		matches:           make(chan *core.RuleMatch, matchBufferSize),
	}
}

// AddRule registers a rule with the detector. Rules arrive fully
// constructed from the loader; a rule that failed to compile must never be
// registered. Duplicate ids are rejected.
func (d *Detector) AddRule(rule core.Rule) error {
	if rule == nil || rule.ID() == "" {
		return fmt.Errorf("cannot register rule without an id")
	}
	d.rulesMu.Lock()
	defer d.rulesMu.Unlock()
	if _, exists := d.byID[rule.ID()]; exists {
		return fmt.Errorf("rule %s is already registered", rule.ID())
	}
	switch r := rule.(type) {
	case *core.StandardRule:
		d.standard = append(d.standard, r)
	case *core.AggregationRule:
		d.aggregation = append(d.aggregation, r)
	default:
		return fmt.Errorf("unsupported rule kind %T for rule %s", rule, rule.ID())
	}
	d.byID[rule.ID()] = rule
	return nil
}

// RemoveRule unregisters a rule and drops its aggregation state
func (d *Detector) RemoveRule(id string) {
	d.rulesMu.Lock()
	if _, exists := d.byID[id]; exists {
		delete(d.byID, id)
		for i, r := range d.standard {
			if r.ID() == id {
				d.standard = append(d.standard[:i], d.standard[i+1:]...)
				break
			}
		}
		for i, r := range d.aggregation {
			if r.ID() == id {
				d.aggregation = append(d.aggregation[:i], d.aggregation[i+1:]...)
				break
			}
		}
	}
	d.rulesMu.Unlock()
	d.aggregator.Remove(id)
}

// RuleCount returns the number of registered rules
func (d *Detector) RuleCount() int {
	d.rulesMu.RLock()
	defer d.rulesMu.RUnlock()
	return len(d.byID)
}

// Matches exposes the stream of rule matches produced by the periodic
// aggregate pass
func (d *Detector) Matches() <-chan *core.RuleMatch {
	return d.matches
}

// ProcessEvent evaluates one event against the registered rule set. Matches
// of standard rules are returned directly; events passing an aggregation
// rule's inclusion predicate are persisted and registered in that rule's
// window. Panics from inside compiled predicates propagate: they are a hard
// failure of this single evaluation, never a silent non-match.
func (d *Detector) ProcessEvent(ctx context.Context, e *core.Event) ([]*core.RuleMatch, error) {
	metrics.EventsEvaluated.Inc()

	d.rulesMu.RLock()
	standard := d.standard
	aggregation := d.aggregation
	d.rulesMu.RUnlock()

	var results []*core.RuleMatch
	for _, rule := range standard {
		if ok, match := rule.TryMatch(e); ok {
			metrics.RuleMatches.WithLabelValues("standard").Inc()
			results = append(results, match)
		}
	}

	var byRule map[*core.AggregationRule][]*core.Event
	for _, rule := range aggregation {
		if rule.TryMatch(e) {
			if byRule == nil {
				byRule = make(map[*core.AggregationRule][]*core.Event)
			}
			byRule[rule] = append(byRule[rule], e)
		}
	}
	if byRule != nil {
		if err := d.aggregator.Add(ctx, byRule); err != nil {
			metrics.StoreFailures.WithLabelValues("insert").Inc()
			return results, fmt.Errorf("bucket aggregation events: %w", err)
		}
	}
	return results, nil
}

// RunAggregates invokes every aggregation rule's producer once. A firing
// rule yields a RuleMatch and has its window reset immediately so the same
// contributing events cannot re-trigger it.
func (d *Detector) RunAggregates(ctx context.Context) []*core.RuleMatch {
	start := time.Now()
	defer func() {
		metrics.AggregatePassDuration.Observe(time.Since(start).Seconds())
	}()

	d.rulesMu.RLock()
	aggregation := d.aggregation
	d.rulesMu.RUnlock()

	var fired []*core.RuleMatch
	for _, rule := range aggregation {
		select {
		case <-ctx.Done():
			return fired
		default:
		}
		ok, match := rule.TryMatchAggregate()
		if !ok {
			continue
		}
		metrics.RuleMatches.WithLabelValues("aggregation").Inc()
		d.aggregator.Matched(rule.ID(), match.Event)
		fired = append(fired, match)
	}
	return fired
}

// Start launches the periodic aggregate and trim passes. Safe to call once;
// subsequent calls are no-ops until Stop.
func (d *Detector) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{}, 2)
	d.running = true

	goroutine.Go("detector-aggregate-pass", d.logger, func() {
		defer func() { d.done <- struct{}{} }()
		ticker := time.NewTicker(d.aggregateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				for _, match := range d.RunAggregates(runCtx) {
					d.emit(match)
				}
			}
		}
	})

	goroutine.Go("detector-trim-pass", d.logger, func() {
		defer func() { d.done <- struct{}{} }()
		ticker := time.NewTicker(d.trimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				d.rulesMu.RLock()
				rules := d.aggregation
				d.rulesMu.RUnlock()
				if err := d.aggregator.TrimExpired(runCtx, rules); err != nil && runCtx.Err() == nil {
					d.logger.Warnw("Trim pass finished with errors", "error", err)
				}
				metrics.TrimPassDuration.Observe(time.Since(start).Seconds())
			}
		}
	})
}

func (d *Detector) emit(match *core.RuleMatch) {
	select {
	case d.matches <- match:
	default:
		d.logger.Warnw("Match channel full, dropping aggregate match",
			"date", match.Date,
			"details", match.Details)
	}
}

// Stop cancels the periodic passes and waits for them, bounded by
// stopTimeout
func (d *Detector) Stop() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if !d.running {
		return
	}
	d.cancel()
	deadline := time.After(stopTimeout)
	for i := 0; i < 2; i++ {
		select {
		case <-d.done:
		case <-deadline:
			d.logger.Warnw("Detector periodic passes did not stop in time",
				"timeout", stopTimeout)
			i = 2
		}
	}
	d.running = false
}
