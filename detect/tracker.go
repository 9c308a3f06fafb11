package detect

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"warden/core"
)

// EventLRUTracker is the bounded, per-rule index of which persisted event
// ids currently belong to a rule's active correlation window. Payloads live
// in the backing store; the tracker only holds ids.
//
// A tracker whose timeframe equals core.DefaultRuleTimeframe (the "no
// particular window" sentinel) evicts by capacity only. Any other timeframe
// adds time-since-write eviction: TrimExpired sweeps ids whose last insert
// is older than the timeframe, independent of capacity pressure.
//
// Evicted ids, whether by capacity or by time, are queued until drained via
// DeletedEventIDs so the backing store can be pruned to match. They are
// never dropped. All methods are safe for concurrent use.
type EventLRUTracker struct {
	mu        sync.Mutex
	cache     *lru.Cache[int64, struct{}]
	times     map[int64]time.Time
	timeframe time.Duration
	timed     bool
	clearing  bool
	nowFn     func() time.Time

	pendingMu sync.Mutex
	pending   []int64
}

// NewEventLRUTracker creates a tracker for a rule with the given correlation
// timeframe and capacity. A non-positive capacity falls back to
// core.DefaultMaxAggregationEventsPerRule.
func NewEventLRUTracker(timeframe time.Duration, capacity int) *EventLRUTracker {
	if capacity <= 0 {
		capacity = core.DefaultMaxAggregationEventsPerRule
	}
	t := &EventLRUTracker{
		timeframe: timeframe,
		timed:     timeframe > 0 && timeframe != core.DefaultRuleTimeframe,
		nowFn:     time.Now,
	}
	if t.timed {
		t.times = make(map[int64]time.Time)
	}
	// capacity is validated above, so construction cannot fail
	cache, _ := lru.NewWithEvict[int64, struct{}](capacity, t.onEvict)
	t.cache = cache
	return t
}

// onEvict runs on the caller's goroutine while mu is held (the cache is only
// mutated under mu), so it may touch times directly. Clears are not
// deletions: ids dropped by Clear are not reported.
func (t *EventLRUTracker) onEvict(id int64, _ struct{}) {
	if t.timed {
		delete(t.times, id)
	}
	if t.clearing {
		return
	}
	t.pendingMu.Lock()
	t.pending = append(t.pending, id)
	t.pendingMu.Unlock()
}

// OnEventInsert registers or refreshes an event id in the rule's active
// window. Inserting beyond capacity evicts the least-recently-used id.
func (t *EventLRUTracker) OnEventInsert(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(id, struct{}{})
	if t.timed {
		t.times[id] = t.nowFn()
	}
}

// TrimExpired proactively sweeps time-expired ids. Capacity-only trackers
// are a no-op here; their eviction happens passively on overflow.
func (t *EventLRUTracker) TrimExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.timed {
		return
	}
	cutoff := t.nowFn().Add(-t.timeframe)
	for _, id := range t.cache.Keys() {
		if ts, ok := t.times[id]; ok && !ts.After(cutoff) {
			t.cache.Remove(id)
		}
	}
}

// Clear drops all tracked ids without reporting them as deleted. It is used
// after a correlation fires; whether the fired contributing events are also
// removed from the backing store is the caller's retention policy.
func (t *EventLRUTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearing = true
	t.cache.Purge()
	t.clearing = false
	if t.timed {
		t.times = make(map[int64]time.Time)
	}
}

// requeueDeleted returns previously drained ids to the pending queue so a
// later drain retries them. Callers use it when pruning the backing store
// failed after a drain; without it those ids would never be deleted.
func (t *EventLRUTracker) requeueDeleted(ids []int64) {
	if len(ids) == 0 {
		return
	}
	t.pendingMu.Lock()
	t.pending = append(t.pending, ids...)
	t.pendingMu.Unlock()
}

// DeletedEventIDs drains and returns the ids evicted since the last call.
// Draining is atomic per call: no id is reported twice and none is lost
// between back-to-back drains. Safe to call concurrently with inserts.
func (t *EventLRUTracker) DeletedEventIDs() []int64 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	ids := t.pending
	t.pending = nil
	return ids
}

// Len returns the number of ids currently tracked
func (t *EventLRUTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Contains reports whether an id is currently tracked, without refreshing it
func (t *EventLRUTracker) Contains(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Contains(id)
}
