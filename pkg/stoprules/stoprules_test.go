package stoprules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse([]byte(`{
		"version": "1.0.0",
		"evaluation_interval_sec": 300,
		"safe_mode_on_error": true,
		"rules": [
			{"id": "daily", "type": "spend_daily_cap", "enabled": true,
			 "threshold": 5000, "action": "pause_run", "severity": "high"}
		],
		"global_settings": {"default_currency": "JPY", "timezone": "Asia/Tokyo"}
	}`))
	require.NoError(t, err)
	require.Equal(t, "1.0.0", doc.Version)
	require.True(t, doc.SafeModeOnError)
	require.Len(t, doc.Rules, 1)
	require.Equal(t, SpendDailyCap, doc.Rules[0].Type)
}

func TestParseRejections(t *testing.T) {
	cases := map[string]string{
		"missing threshold": `{"version":"1.0.0","rules":[
			{"id":"r","type":"spend_daily_cap","enabled":true,"action":"pause_run","severity":"high"}]}`,
		"unknown type": `{"version":"1.0.0","rules":[
			{"id":"r","type":"nonsense","enabled":true,"action":"pause_run","severity":"high"}]}`,
		"unknown action": `{"version":"1.0.0","rules":[
			{"id":"r","type":"spend_daily_cap","enabled":true,"threshold":1,"action":"explode","severity":"high"}]}`,
		"unsupported version": `{"version":"2.0.0","rules":[
			{"id":"r","type":"spend_daily_cap","enabled":true,"threshold":1,"action":"pause_run","severity":"high"}]}`,
		"duplicate rule id": `{"version":"1.0.0","rules":[
			{"id":"r","type":"spend_daily_cap","enabled":true,"threshold":1,"action":"pause_run","severity":"high"},
			{"id":"r","type":"spend_total_cap","enabled":true,"threshold":1,"action":"pause_run","severity":"high"}]}`,
		"not json": `{{`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
		})
	}
}

func baseContext() *Context {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &Context{
		RunID:     "run_1",
		RunStatus: contracts.RunRunning,
		RunStart:  start,
		Now:       start.Add(2 * time.Hour),
	}
}

func TestDailyCapWithGating(t *testing.T) {
	rule := Rule{
		ID: "daily", Type: SpendDailyCap, Enabled: true,
		Threshold: f64(5000),
		Gating:    &Gating{MinElapsedSec: i64(3600)},
		Action:    ActionPauseRun, Severity: contracts.SeverityHigh,
	}
	doc := &Document{Version: "1.0.0", Rules: []Rule{rule}}

	// Elapsed 7200s, over cap: fires.
	ctx := baseContext()
	ctx.DailySpend = 5500
	ev := Evaluate(doc, ctx)
	require.Len(t, ev.Actions, 1)
	require.Equal(t, ActionPauseRun, ev.Actions[0].Type)
	require.Equal(t, "daily", ev.Actions[0].TriggeredByRuleID)

	// Elapsed 1800s: gated out.
	ctx = baseContext()
	ctx.Now = ctx.RunStart.Add(30 * time.Minute)
	ctx.DailySpend = 5500
	ev = Evaluate(doc, ctx)
	require.Empty(t, ev.Actions)
	require.Len(t, ev.Skipped, 1)
	require.Equal(t, "min_elapsed_sec not met", ev.Skipped[0].Reason)
}

func TestCPAUndefinedAtZeroConversions(t *testing.T) {
	doc := &Document{Version: "1.0.0", Rules: []Rule{{
		ID: "cpa", Type: CPACap, Enabled: true, Threshold: f64(1000),
		Action: ActionCreateIncident, Severity: contracts.SeverityMedium,
	}}}
	ctx := baseContext()
	ctx.TotalSpend = 99999
	ctx.TotalConversions = 0

	ev := Evaluate(doc, ctx)
	require.Empty(t, ev.Actions)
	require.Len(t, ev.Skipped, 1)
	require.Contains(t, ev.Skipped[0].Reason, "zero conversions")

	ctx.TotalConversions = 10 // cpa ~10000
	ev = Evaluate(doc, ctx)
	require.Len(t, ev.Actions, 1)
	require.Equal(t, ActionCreateIncident, ev.Actions[0].Type)
}

func TestCPABundlePause(t *testing.T) {
	doc := &Document{Version: "1.0.0", Rules: []Rule{{
		ID: "cpa_b", Type: CPACap, Enabled: true, Threshold: f64(100),
		Action: ActionPauseBundle, Severity: contracts.SeverityMedium,
	}}}
	ctx := baseContext()
	ctx.Bundles = map[string]BundleSnapshot{
		"ab_cheap":  {Spend: 500, Conversions: 10}, // cpa 50
		"ab_pricey": {Spend: 5000, Conversions: 10}, // cpa 500
		"ab_zero":   {Spend: 5000, Conversions: 0},  // undefined, skipped
	}

	ev := Evaluate(doc, ctx)
	require.Len(t, ev.Actions, 1)
	require.Equal(t, []string{"ab_pricey"}, ev.Actions[0].TargetBundleIDs)
}

func TestCVZeroDuration(t *testing.T) {
	doc := &Document{Version: "1.0.0", Rules: []Rule{{
		ID: "cv0", Type: CVZeroDuration, Enabled: true,
		DurationSec: i64(3600), MinSpend: f64(1000),
		Action: ActionPauseRun, Severity: contracts.SeverityCritical,
	}}}

	// Conversion 30 minutes ago: quiet.
	ctx := baseContext()
	last := ctx.Now.Add(-30 * time.Minute)
	ctx.LastConversionAt = &last
	ctx.TotalSpend = 2000
	require.Empty(t, Evaluate(doc, ctx).Actions)

	// No conversion ever, run started 2h ago, spend over floor: fires.
	ctx = baseContext()
	ctx.TotalSpend = 2000
	ev := Evaluate(doc, ctx)
	require.Len(t, ev.Actions, 1)

	// Same gap but spend below the floor: quiet.
	ctx.TotalSpend = 500
	require.Empty(t, Evaluate(doc, ctx).Actions)
}

func TestMeasurementAnomaly(t *testing.T) {
	doc := &Document{Version: "1.0.0", Rules: []Rule{{
		ID: "gap", Type: MeasurementAnomaly, Enabled: true,
		MaxGapSec: i64(1800),
		Action:    ActionCreateIncident, Severity: contracts.SeverityHigh,
	}}}
	ctx := baseContext()
	last := ctx.Now.Add(-45 * time.Minute)
	ctx.LastEventAt = &last

	ev := Evaluate(doc, ctx)
	require.Len(t, ev.Actions, 1)
	require.Contains(t, ev.Actions[0].Reason, "no events")
}

func TestSafeModeOnError(t *testing.T) {
	broken := Rule{
		// Threshold missing: the predicate cannot run.
		ID: "broken", Type: SpendTotalCap, Enabled: true,
		Action: ActionNotifyOnly, Severity: contracts.SeverityLow,
	}

	safe := &Document{Version: "1.0.0", SafeModeOnError: true, Rules: []Rule{broken}}
	ev := Evaluate(safe, baseContext())
	require.Len(t, ev.Actions, 1)
	require.Equal(t, ActionPauseRun, ev.Actions[0].Type)
	require.Equal(t, contracts.SeverityHigh, ev.Actions[0].Severity)

	unsafe := &Document{Version: "1.0.0", SafeModeOnError: false, Rules: []Rule{broken}}
	ev = Evaluate(unsafe, baseContext())
	require.Empty(t, ev.Actions)
	require.Len(t, ev.Skipped, 1)
}

func TestActionDedupAndPrecedence(t *testing.T) {
	doc := &Document{Version: "1.0.0", Rules: []Rule{
		{ID: "a_notify", Type: SpendTotalCap, Enabled: true, Threshold: f64(100),
			Action: ActionNotifyOnly, Severity: contracts.SeverityLow},
		{ID: "b_pause1", Type: SpendTotalCap, Enabled: true, Threshold: f64(200),
			Action: ActionPauseRun, Severity: contracts.SeverityMedium},
		{ID: "c_pause2", Type: SpendDailyCap, Enabled: true, Threshold: f64(50),
			Action: ActionPauseRun, Severity: contracts.SeverityCritical},
	}}
	ctx := baseContext()
	ctx.TotalSpend = 1000
	ctx.DailySpend = 1000

	ev := Evaluate(doc, ctx)
	// One pause_run only, the critical one, ordered before notify_only.
	require.Len(t, ev.Actions, 2)
	require.Equal(t, ActionPauseRun, ev.Actions[0].Type)
	require.Equal(t, "c_pause2", ev.Actions[0].TriggeredByRuleID)
	require.Equal(t, contracts.SeverityCritical, ev.Actions[0].Severity)
	require.Equal(t, ActionNotifyOnly, ev.Actions[1].Type)
}

func TestBundlePauseDedup(t *testing.T) {
	doc := &Document{Version: "1.0.0", Rules: []Rule{
		{ID: "r1", Type: CPACap, Enabled: true, Threshold: f64(100),
			Action: ActionPauseBundle, Severity: contracts.SeverityMedium},
		{ID: "r2", Type: CPACap, Enabled: true, Threshold: f64(50),
			Action: ActionPauseBundle, Severity: contracts.SeverityMedium},
	}}
	ctx := baseContext()
	ctx.Bundles = map[string]BundleSnapshot{
		"ab_1": {Spend: 2000, Conversions: 10}, // cpa 200, trips both
		"ab_2": {Spend: 700, Conversions: 10},  // cpa 70, trips r2 only
	}

	ev := Evaluate(doc, ctx)
	claimed := map[string]int{}
	for _, a := range ev.Actions {
		require.Equal(t, ActionPauseBundle, a.Type)
		for _, id := range a.TargetBundleIDs {
			claimed[id]++
		}
	}
	require.Equal(t, map[string]int{"ab_1": 1, "ab_2": 1}, claimed)
}

func TestEvaluatorIsDeterministic(t *testing.T) {
	doc := &Document{Version: "1.0.0", Rules: []Rule{
		{ID: "r1", Type: SpendDailyCap, Enabled: true, Threshold: f64(100),
			Action: ActionPauseBundle, Severity: contracts.SeverityMedium},
		{ID: "r2", Type: MetaRejected, Enabled: true,
			Action: ActionCreateIncident, Severity: contracts.SeverityHigh},
	}}
	ctx := baseContext()
	ctx.DailySpend = 500
	ctx.RejectedAdCount = 2
	ctx.Bundles = map[string]BundleSnapshot{"ab_b": {}, "ab_a": {}, "ab_c": {}}

	first := Evaluate(doc, ctx)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Evaluate(doc, ctx))
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	doc := &Document{Version: "1.0.0", Rules: []Rule{{
		ID: "off", Type: SpendTotalCap, Enabled: false, Threshold: f64(1),
		Action: ActionPauseRun, Severity: contracts.SeverityHigh,
	}}}
	ctx := baseContext()
	ctx.TotalSpend = 9999

	ev := Evaluate(doc, ctx)
	require.Empty(t, ev.Actions)
	require.Equal(t, "disabled", ev.Skipped[0].Reason)
}
