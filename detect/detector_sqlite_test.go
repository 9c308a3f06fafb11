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
	"warden/storage"
)

// TestDetectorThresholdCorrelationSQLite drives the threshold scenario
// against the real sqlite-backed store instead of the in-memory fake:
// contributions are bucketed through ProcessEvent, the producer reads them
// back with a grouped query over the rule's bucket table, and firing resets
// the rule's window.
func TestDetectorThresholdCorrelationSQLite(t *testing.T) {
	logger := zap.NewNop().Sugar()
	db, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a := NewAggregator(storage.NewSQLiteAggregationStore(db, logger), nil, 16, logger)
	d := NewDetector(a, time.Hour, time.Hour, logger)

	const ruleID = "sqlite-burst"
	producer := func() *core.Event {
		if !a.ContainsColumn(ruleID, "TargetUserName") {
			return nil
		}
		// the window is the tracker, not the table: rows from an already
		// fired correlation must not re-trigger
		if tracker := a.trackerFor(ruleID); tracker == nil || tracker.Len() == 0 {
			return nil
		}
		query := fmt.Sprintf(
			"SELECT f_targetusername, COUNT(*) AS hits FROM %s GROUP BY f_targetusername HAVING COUNT(*) >= 3 LIMIT 1",
			storage.TableName(ruleID))
		events, err := a.Query(ruleID, query)
		require.NoError(t, err)
		if len(events) == 0 {
			return nil
		}
		return events[0]
	}

	rule := core.NewAggregationRule(core.RuleMetadata{ID: ruleID, Timeframe: 5 * time.Minute},
		func(e *core.Event) bool { return e.EventID == "4625" },
		producer,
		func(e *core.Event, meta *core.RuleMetadata) string {
			return fmt.Sprintf("%s failed logons for %s", e.Data["hits"], e.Data["targetusername"])
		},
		[]string{"TargetUserName"})
	require.NoError(t, d.AddRule(rule))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		matches, err := d.ProcessEvent(ctx, failedLogon("alice"))
		require.NoError(t, err)
		assert.Empty(t, matches)
	}
	assert.Empty(t, d.RunAggregates(ctx), "two bucketed events must not fire a threshold of three")

	_, err = d.ProcessEvent(ctx, failedLogon("alice"))
	require.NoError(t, err)

	fired := d.RunAggregates(ctx)
	require.Len(t, fired, 1)
	assert.True(t, fired[0].Matched)
	assert.Equal(t, "3 failed logons for alice", fired[0].Details)

	// firing reset the window
	assert.Zero(t, a.trackerFor(ruleID).Len())
	assert.Empty(t, d.RunAggregates(ctx))

	// retention of the fired contributors stays with the caller; the rows
	// are still in the store
	rows, err := a.Query(ruleID, fmt.Sprintf("SELECT id, payload FROM %s", storage.TableName(ruleID)))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
