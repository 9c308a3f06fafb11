package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/detect"
	"warden/storage"
)

// builtinRules assembles the default rule set shipped with the binary.
// Real deployments construct rules through a loader; these two demonstrate
// the two rule kinds end to end against the Windows Security channel.
func builtinRules(aggregator *detect.Aggregator, logger *zap.SugaredLogger) []core.Rule {
	return []core.Rule{
		auditLogClearedRule(),
		failedLogonBurstRule(aggregator, logger),
	}
}

// auditLogClearedRule fires on every Security event id 1102 (audit log was
// cleared) on its own.
func auditLogClearedRule() *core.StandardRule {
	predicate := detect.NewPredicateBuilder().
		And(func(e *core.Event) bool { return e.Channel == "Security" }).
		And(func(e *core.Event) bool { return e.EventID == "1102" }).
		Build()

	details := func(e *core.Event, meta *core.RuleMetadata) string {
		return fmt.Sprintf("%s: audit log cleared on %s", meta.Title, e.Computer)
	}

	return core.NewStandardRule(core.RuleMetadata{
		ID:     "win_sec_audit_log_cleared",
		Title:  "Security Audit Log Cleared",
		Level:  "high",
		Status: "stable",
		Tags:   []string{"attack.defense_evasion", "attack.t1070.001"},
	}, predicate, details)
}

// failedLogonBurstRule correlates Security 4625 events: five or more failed
// logons for the same account within five minutes.
func failedLogonBurstRule(aggregator *detect.Aggregator, logger *zap.SugaredLogger) *core.AggregationRule {
	const (
		ruleID    = "win_sec_failed_logon_burst"
		threshold = 5
	)

	inclusion := detect.NewPredicateBuilder().
		And(func(e *core.Event) bool { return e.Channel == "Security" }).
		And(func(e *core.Event) bool { return e.EventID == "4625" }).
		Build()

	producer := func() *core.Event {
		// nothing bucketed yet: the grouping column only exists once a
		// qualifying event has been persisted
		if !aggregator.ContainsColumn(ruleID, "TargetUserName") {
			return nil
		}
		query := fmt.Sprintf(
			"SELECT f_targetusername, COUNT(*) AS hits FROM %s GROUP BY f_targetusername HAVING COUNT(*) >= %d ORDER BY hits DESC LIMIT 1",
			storage.TableName(ruleID), threshold)
		events, err := aggregator.Query(ruleID, query)
		if err != nil {
			logger.Debugw("Aggregate query failed", "ruleID", ruleID, "error", err)
			return nil
		}
		if len(events) == 0 {
			return nil
		}
		return events[0]
	}

	details := func(e *core.Event, meta *core.RuleMetadata) string {
		user, _ := e.Field("targetusername")
		hits, _ := e.Field("hits")
		return fmt.Sprintf("%s: %s failed logons for account %q", meta.Title, hits, user)
	}

	return core.NewAggregationRule(core.RuleMetadata{
		ID:        ruleID,
		Title:     "Failed Logon Burst",
		Level:     "high",
		Status:    "stable",
		Tags:      []string{"attack.credential_access", "attack.t1110"},
		Timeframe: 5 * time.Minute,
	}, inclusion, producer, details, []string{"TargetUserName"})
}
