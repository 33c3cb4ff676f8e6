package stoprules

import (
	"fmt"
	"sort"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// Evaluate runs every enabled rule against ctx and returns the deduplicated,
// precedence-ordered action plan. It is pure: identical inputs always yield
// identical plans.
func Evaluate(doc *Document, ctx *Context) *Evaluation {
	ev := &Evaluation{}
	var planned []PlannedAction

	for _, rule := range doc.Rules {
		if !rule.Enabled {
			ev.Skipped = append(ev.Skipped, SkippedRule{RuleID: rule.ID, Reason: "disabled"})
			continue
		}
		if reason := gateReason(rule.Gating, ctx); reason != "" {
			ev.Skipped = append(ev.Skipped, SkippedRule{RuleID: rule.ID, Reason: reason})
			continue
		}
		action, skip, err := evalRule(rule, ctx)
		if err != nil {
			if doc.SafeModeOnError {
				planned = append(planned, PlannedAction{
					Type:              ActionPauseRun,
					TriggeredByRuleID: rule.ID,
					Severity:          contracts.SeverityHigh,
					Reason:            fmt.Sprintf("safe mode: rule evaluation failed: %v", err),
				})
				continue
			}
			ev.Skipped = append(ev.Skipped, SkippedRule{RuleID: rule.ID, Reason: fmt.Sprintf("error: %v", err)})
			continue
		}
		if skip != "" {
			ev.Skipped = append(ev.Skipped, SkippedRule{RuleID: rule.ID, Reason: skip})
			continue
		}
		if action != nil {
			planned = append(planned, *action)
		}
	}

	ev.Actions = dedupe(planned)
	return ev
}

// gateReason returns a non-empty skip reason when gating suppresses the rule.
func gateReason(g *Gating, ctx *Context) string {
	if g == nil {
		return ""
	}
	if g.MinElapsedSec != nil {
		elapsed := int64(ctx.Now.Sub(ctx.RunStart) / time.Second)
		if elapsed < *g.MinElapsedSec {
			return "min_elapsed_sec not met"
		}
	}
	if g.MinTotalClicks != nil && ctx.TotalClicks < *g.MinTotalClicks {
		return "min_total_clicks not met"
	}
	if g.MinTotalSpend != nil && ctx.TotalSpend < *g.MinTotalSpend {
		return "min_total_spend not met"
	}
	if g.MinTotalImpressions != nil && ctx.TotalImpressions < *g.MinTotalImpressions {
		return "min_total_impressions not met"
	}
	if len(g.RequiredStatus) > 0 {
		ok := false
		for _, s := range g.RequiredStatus {
			if s == ctx.RunStatus {
				ok = true
				break
			}
		}
		if !ok {
			return "run_status not in required_status"
		}
	}
	return ""
}

// evalRule runs one rule's predicate. It returns the planned action when the
// rule fires, a skip reason when the predicate is undefined, or an error when
// the rule document is unusable.
func evalRule(rule Rule, ctx *Context) (*PlannedAction, string, error) {
	fire := func(reason string, bundles []string) *PlannedAction {
		return &PlannedAction{
			Type:              rule.Action,
			TriggeredByRuleID: rule.ID,
			Severity:          rule.Severity,
			Reason:            reason,
			TargetBundleIDs:   bundles,
		}
	}

	switch rule.Type {
	case SpendTotalCap:
		if rule.Threshold == nil {
			return nil, "", fmt.Errorf("spend_total_cap: missing threshold")
		}
		if ctx.TotalSpend > *rule.Threshold {
			return fire(fmt.Sprintf("total spend %.2f exceeds cap %.2f", ctx.TotalSpend, *rule.Threshold), targetBundles(rule, ctx)), "", nil
		}

	case SpendDailyCap:
		if rule.Threshold == nil {
			return nil, "", fmt.Errorf("spend_daily_cap: missing threshold")
		}
		if ctx.DailySpend > *rule.Threshold {
			return fire(fmt.Sprintf("daily spend %.2f exceeds cap %.2f", ctx.DailySpend, *rule.Threshold), targetBundles(rule, ctx)), "", nil
		}

	case CPACap:
		if rule.Threshold == nil {
			return nil, "", fmt.Errorf("cpa_cap: missing threshold")
		}
		if rule.Action == ActionPauseBundle {
			offenders := cpaOffenders(ctx, *rule.Threshold)
			if len(offenders) > 0 {
				return fire(fmt.Sprintf("%d bundle(s) over CPA cap %.2f", len(offenders), *rule.Threshold), offenders), "", nil
			}
			return nil, "", nil
		}
		if ctx.TotalConversions == 0 {
			return nil, "cpa undefined: zero conversions", nil
		}
		cpa := ctx.TotalSpend / float64(ctx.TotalConversions)
		if cpa > *rule.Threshold {
			return fire(fmt.Sprintf("cpa %.2f exceeds cap %.2f", cpa, *rule.Threshold), nil), "", nil
		}

	case CVZeroDuration:
		if rule.DurationSec == nil {
			return nil, "", fmt.Errorf("cv_zero_duration: missing duration_sec")
		}
		since := ctx.RunStart
		if ctx.LastConversionAt != nil {
			since = *ctx.LastConversionAt
		}
		gap := ctx.Now.Sub(since)
		minSpend := 0.0
		if rule.MinSpend != nil {
			minSpend = *rule.MinSpend
		}
		if gap > time.Duration(*rule.DurationSec)*time.Second && ctx.TotalSpend >= minSpend {
			return fire(fmt.Sprintf("no conversion for %s with spend %.2f", gap.Truncate(time.Second), ctx.TotalSpend), targetBundles(rule, ctx)), "", nil
		}

	case MeasurementAnomaly:
		if rule.MaxGapSec == nil {
			return nil, "", fmt.Errorf("measurement_anomaly: missing max_gap_sec")
		}
		since := ctx.RunStart
		if ctx.LastEventAt != nil {
			since = *ctx.LastEventAt
		}
		gap := ctx.Now.Sub(since)
		if gap > time.Duration(*rule.MaxGapSec)*time.Second {
			return fire(fmt.Sprintf("no events for %s", gap.Truncate(time.Second)), nil), "", nil
		}

	case MetaRejected:
		maxCount := 0
		if rule.MaxRejectedCount != nil {
			maxCount = *rule.MaxRejectedCount
		}
		if ctx.RejectedAdCount > maxCount {
			return fire(fmt.Sprintf("%d rejected ads exceeds limit %d", ctx.RejectedAdCount, maxCount), nil), "", nil
		}

	case SyncFailureStreak:
		if rule.Threshold == nil {
			return nil, "", fmt.Errorf("sync_failure_streak: missing threshold")
		}
		if float64(ctx.SyncFailureStreak) >= *rule.Threshold {
			return fire(fmt.Sprintf("%d consecutive sync failures", ctx.SyncFailureStreak), nil), "", nil
		}

	default:
		return nil, "", fmt.Errorf("unknown rule type %q", rule.Type)
	}
	return nil, "", nil
}

// targetBundles resolves which bundles a pause_bundle action applies to when
// the predicate is run-level: all of them, in stable order.
func targetBundles(rule Rule, ctx *Context) []string {
	if rule.Action != ActionPauseBundle {
		return nil
	}
	ids := make([]string, 0, len(ctx.Bundles))
	for id := range ctx.Bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// cpaOffenders returns bundle ids whose own CPA exceeds the cap. Bundles with
// zero conversions are skipped, matching the run-level undefined rule.
func cpaOffenders(ctx *Context, limit float64) []string {
	var out []string
	for id, b := range ctx.Bundles {
		if b.Conversions == 0 {
			continue
		}
		if b.Spend/float64(b.Conversions) > limit {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// dedupe collapses the plan: one pause_run at most (highest severity wins),
// bundle pauses merged and deduped by bundle id, then the whole plan ordered
// by action precedence and rule id.
func dedupe(planned []PlannedAction) []PlannedAction {
	if len(planned) == 0 {
		return nil
	}

	var pauseRun *PlannedAction
	var bundlePauses []PlannedAction
	var rest []PlannedAction
	for i := range planned {
		a := planned[i]
		switch a.Type {
		case ActionPauseRun:
			if pauseRun == nil || a.Severity.Rank() > pauseRun.Severity.Rank() {
				pauseRun = &a
			}
		case ActionPauseBundle:
			bundlePauses = append(bundlePauses, a)
		default:
			rest = append(rest, a)
		}
	}

	var out []PlannedAction
	if pauseRun != nil {
		out = append(out, *pauseRun)
	}
	if merged := mergeBundlePauses(bundlePauses); merged != nil {
		out = append(out, merged...)
	}
	out = append(out, rest...)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type.precedence() != out[j].Type.precedence() {
			return out[i].Type.precedence() > out[j].Type.precedence()
		}
		return out[i].TriggeredByRuleID < out[j].TriggeredByRuleID
	})
	return out
}

// mergeBundlePauses keeps one pause per rule but drops bundle ids already
// claimed by an earlier rule in plan order.
func mergeBundlePauses(pauses []PlannedAction) []PlannedAction {
	if len(pauses) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []PlannedAction
	for _, p := range pauses {
		var ids []string
		for _, id := range p.TargetBundleIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			p.TargetBundleIDs = ids
			out = append(out, p)
		}
	}
	return out
}
