package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/core"
)

func failedLogon(user string) *core.Event {
	return &core.Event{
		EventID:   "4625",
		Channel:   "Security",
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"TargetUserName": user},
	}
}

func TestDetectorAddRule(t *testing.T) {
	a := NewAggregator(newFakeStore(), nil, 16, zap.NewNop().Sugar())
	d := NewDetector(a, time.Hour, time.Hour, zap.NewNop().Sugar())

	std := core.NewStandardRule(core.RuleMetadata{ID: "r1"}, func(*core.Event) bool { return true }, nil)
	require.NoError(t, d.AddRule(std))
	assert.Equal(t, 1, d.RuleCount())

	// duplicate ids are rejected regardless of rule kind
	dup := testAggRule("r1", 0)
	assert.Error(t, d.AddRule(dup))

	assert.Error(t, d.AddRule(nil))
	assert.Error(t, d.AddRule(core.NewStandardRule(core.RuleMetadata{}, nil, nil)))
}

func TestDetectorStandardMatch(t *testing.T) {
	a := NewAggregator(newFakeStore(), nil, 16, zap.NewNop().Sugar())
	d := NewDetector(a, time.Hour, time.Hour, zap.NewNop().Sugar())

	rule := core.NewStandardRule(core.RuleMetadata{ID: "cleared", Title: "Audit Log Cleared"},
		func(e *core.Event) bool { return e.EventID == "1102" },
		func(e *core.Event, meta *core.RuleMetadata) string { return meta.Title },
	)
	require.NoError(t, d.AddRule(rule))

	matches, err := d.ProcessEvent(context.Background(), &core.Event{EventID: "1102", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Audit Log Cleared", matches[0].Details)

	matches, err = d.ProcessEvent(context.Background(), &core.Event{EventID: "4624", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// TestDetectorThresholdCorrelation walks a simple threshold correlation end
// to end: three failed logons inside a five-minute window fire once, the
// window resets, and a fourth event starts accumulating from scratch.
func TestDetectorThresholdCorrelation(t *testing.T) {
	store := newFakeStore()
	a := NewAggregator(store, nil, 16, zap.NewNop().Sugar())
	d := NewDetector(a, time.Hour, time.Hour, zap.NewNop().Sugar())

	const ruleID = "burst"
	rule := core.NewAggregationRule(core.RuleMetadata{ID: ruleID, Timeframe: 5 * time.Minute},
		func(e *core.Event) bool { return e.EventID == "4625" },
		func() *core.Event {
			tracker := a.trackerFor(ruleID)
			if tracker == nil || tracker.Len() < 3 {
				return nil
			}
			return &core.Event{
				Timestamp: time.Now().UTC(),
				Data:      map[string]string{"hits": fmt.Sprintf("%d", tracker.Len())},
			}
		},
		func(e *core.Event, meta *core.RuleMetadata) string {
			return "failed logon burst: " + e.Data["hits"]
		},
		[]string{"TargetUserName"})
	require.NoError(t, d.AddRule(rule))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		matches, err := d.ProcessEvent(ctx, failedLogon("alice"))
		require.NoError(t, err)
		assert.Empty(t, matches)
	}
	assert.Empty(t, d.RunAggregates(ctx), "two events must not fire a threshold of three")

	_, err := d.ProcessEvent(ctx, failedLogon("alice"))
	require.NoError(t, err)

	fired := d.RunAggregates(ctx)
	require.Len(t, fired, 1)
	assert.True(t, fired[0].Matched)
	assert.Equal(t, "failed logon burst: 3", fired[0].Details)

	// firing reset the window; the same contributing events cannot re-trigger
	assert.Zero(t, a.trackerFor(ruleID).Len())
	assert.Empty(t, d.RunAggregates(ctx))

	// a fourth event starts a fresh window
	_, err = d.ProcessEvent(ctx, failedLogon("alice"))
	require.NoError(t, err)
	assert.Equal(t, 1, a.trackerFor(ruleID).Len())
	assert.Empty(t, d.RunAggregates(ctx))
}

func TestDetectorRemoveRuleDropsAggregationState(t *testing.T) {
	a := NewAggregator(newFakeStore(), nil, 16, zap.NewNop().Sugar())
	d := NewDetector(a, time.Hour, time.Hour, zap.NewNop().Sugar())

	rule := testAggRule("r1", 0)
	require.NoError(t, d.AddRule(rule))
	_, err := d.ProcessEvent(context.Background(), eventWithFields(map[string]string{"A": "1"}))
	require.NoError(t, err)
	require.NotNil(t, a.trackerFor("r1"))

	d.RemoveRule("r1")
	assert.Zero(t, d.RuleCount())
	assert.Nil(t, a.trackerFor("r1"))

	// a fresh registration under the same id starts clean
	require.NoError(t, d.AddRule(testAggRule("r1", 0)))
}

func TestDetectorStartStop(t *testing.T) {
	a := NewAggregator(newFakeStore(), nil, 16, zap.NewNop().Sugar())
	d := NewDetector(a, 10*time.Millisecond, 10*time.Millisecond, zap.NewNop().Sugar())

	d.Start(context.Background())
	// idempotent start
	d.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	d.Stop()
	// idempotent stop
	d.Stop()
}

func TestDetectorPeriodicAggregatePassEmitsMatches(t *testing.T) {
	a := NewAggregator(newFakeStore(), nil, 16, zap.NewNop().Sugar())
	d := NewDetector(a, 10*time.Millisecond, time.Hour, zap.NewNop().Sugar())

	rule := core.NewAggregationRule(core.RuleMetadata{ID: "always", Timeframe: time.Minute},
		func(*core.Event) bool { return false },
		func() *core.Event {
			return &core.Event{Timestamp: time.Now().UTC()}
		},
		nil, nil)
	require.NoError(t, d.AddRule(rule))

	d.Start(context.Background())
	defer d.Stop()

	select {
	case match := <-d.Matches():
		assert.True(t, match.Matched)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an aggregate match from the periodic pass")
	}
}
