package detect

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/core"
)

// fakeClock drives a tracker's time-based eviction deterministically
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2023, 10, 31, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTrackerCapacityEviction(t *testing.T) {
	// the default timeframe is the "no particular window" sentinel
	tracker := NewEventLRUTracker(core.DefaultRuleTimeframe, 3)

	tracker.OnEventInsert(1)
	tracker.OnEventInsert(2)
	tracker.OnEventInsert(3)
	assert.Empty(t, tracker.DeletedEventIDs())

	tracker.OnEventInsert(4)
	assert.Equal(t, 3, tracker.Len())
	assert.Equal(t, []int64{1}, tracker.DeletedEventIDs())
	assert.Empty(t, tracker.DeletedEventIDs())
}

func TestTrackerCapacityEvictionIsLRU(t *testing.T) {
	tracker := NewEventLRUTracker(core.DefaultRuleTimeframe, 3)

	tracker.OnEventInsert(1)
	tracker.OnEventInsert(2)
	tracker.OnEventInsert(3)
	// refresh 1 so 2 becomes the least recently used
	tracker.OnEventInsert(1)
	tracker.OnEventInsert(4)

	assert.Equal(t, []int64{2}, tracker.DeletedEventIDs())
	assert.True(t, tracker.Contains(1))
}

func TestTrackerCapacityOnlyTrimIsNoOp(t *testing.T) {
	tracker := NewEventLRUTracker(core.DefaultRuleTimeframe, 8)
	tracker.OnEventInsert(1)
	tracker.TrimExpired()
	assert.Equal(t, 1, tracker.Len())
	assert.Empty(t, tracker.DeletedEventIDs())
}

func TestTrackerTimeEviction(t *testing.T) {
	clock := newFakeClock()
	tracker := NewEventLRUTracker(5*time.Minute, 8)
	tracker.nowFn = clock.Now

	tracker.OnEventInsert(1)
	clock.Advance(6 * time.Minute)
	tracker.TrimExpired()

	assert.Zero(t, tracker.Len())
	assert.Equal(t, []int64{1}, tracker.DeletedEventIDs())
	// a second drain straight after reports nothing
	assert.Empty(t, tracker.DeletedEventIDs())
}

func TestTrackerTimeEvictionKeepsFreshEntries(t *testing.T) {
	clock := newFakeClock()
	tracker := NewEventLRUTracker(5*time.Minute, 8)
	tracker.nowFn = clock.Now

	tracker.OnEventInsert(1)
	clock.Advance(3 * time.Minute)
	tracker.OnEventInsert(2)
	// refresh 1's write time; it is no longer expired at +6m
	tracker.OnEventInsert(1)
	clock.Advance(3 * time.Minute)

	tracker.TrimExpired()
	assert.Equal(t, 2, tracker.Len())
	assert.Empty(t, tracker.DeletedEventIDs())

	clock.Advance(3 * time.Minute)
	tracker.TrimExpired()
	assert.Zero(t, tracker.Len())
	assert.ElementsMatch(t, []int64{1, 2}, tracker.DeletedEventIDs())
}

func TestTrackerClearReportsNothing(t *testing.T) {
	tracker := NewEventLRUTracker(5*time.Minute, 8)
	tracker.OnEventInsert(1)
	tracker.OnEventInsert(2)

	tracker.Clear()

	assert.Zero(t, tracker.Len())
	// clearing after a fired correlation is not a deletion signal
	assert.Empty(t, tracker.DeletedEventIDs())

	// the tracker stays usable after a clear
	tracker.OnEventInsert(3)
	assert.Equal(t, 1, tracker.Len())
}

func TestTrackerDrainIsAtomic(t *testing.T) {
	tracker := NewEventLRUTracker(core.DefaultRuleTimeframe, 4)

	var wg sync.WaitGroup
	const inserts = 200

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < inserts; i++ {
			tracker.OnEventInsert(i)
		}
	}()

	drained := make(map[int64]int)
	var drainedMu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			for _, id := range tracker.DeletedEventIDs() {
				drainedMu.Lock()
				drained[id]++
				drainedMu.Unlock()
			}
		}
	}()

	wg.Wait()
	for _, id := range tracker.DeletedEventIDs() {
		drained[id]++
	}

	// every id beyond the surviving 4 was evicted and reported exactly once
	require.Len(t, drained, inserts-4)
	for id, count := range drained {
		assert.Equal(t, 1, count, "id %d reported %d times", id, count)
	}
}

func TestTrackerCapacityFallback(t *testing.T) {
	tracker := NewEventLRUTracker(core.DefaultRuleTimeframe, 0)
	for i := int64(0); i < int64(core.DefaultMaxAggregationEventsPerRule)+10; i++ {
		tracker.OnEventInsert(i)
	}
	assert.Equal(t, core.DefaultMaxAggregationEventsPerRule, tracker.Len())
	assert.Len(t, tracker.DeletedEventIDs(), 10)
}

func TestTrackerRequeueDeleted(t *testing.T) {
	tracker := NewEventLRUTracker(core.DefaultRuleTimeframe, 2)
	for id := int64(1); id <= 4; id++ {
		tracker.OnEventInsert(id)
	}

	ids := tracker.DeletedEventIDs()
	require.Equal(t, []int64{1, 2}, ids)

	// a failed store prune puts the ids back; the next drain retries them
	tracker.requeueDeleted(ids)
	assert.Equal(t, []int64{1, 2}, tracker.DeletedEventIDs())
	assert.Empty(t, tracker.DeletedEventIDs())
}
