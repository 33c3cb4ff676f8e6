package insights

import (
	"context"
	"sort"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

// Combiner builds the merged metric view: imported insight rollups plus
// aggregated first-party events.
type Combiner struct {
	bundles repo.BundleRepo
	rows    repo.InsightRepo
	events  repo.EventRepo
}

func NewCombiner(bundles repo.BundleRepo, rows repo.InsightRepo, events repo.EventRepo) *Combiner {
	return &Combiner{bundles: bundles, rows: rows, events: events}
}

// RunMetrics returns one BundleMetrics per bundle of the run, ordered by
// bundle id. Insight totals contribute impressions/clicks/spend/conversions;
// event counts add clicks (cta_click) and conversions (form_success). Rates
// are nil when the denominator is zero.
func (c *Combiner) RunMetrics(ctx context.Context, tenantID, runID string) ([]contracts.BundleMetrics, error) {
	bundles, err := c.bundles.ListByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	totals, err := c.rows.SumByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	counts, err := c.events.AggregateByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	out := make([]contracts.BundleMetrics, 0, len(bundles))
	for _, b := range bundles {
		t := totals[b.ID]
		ec := counts[b.ID]
		m := contracts.BundleMetrics{
			AdBundleID:  b.ID,
			IntentID:    b.IntentID,
			Impressions: t.Impressions,
			Clicks:      t.Clicks + ec.Clicks,
			Spend:       t.Spend,
			Conversions: t.Conversions + ec.Conversions,
		}
		m.CTR = ratio(float64(m.Clicks), float64(m.Impressions))
		m.CVR = ratio(float64(m.Conversions), float64(m.Clicks))
		m.CPA = ratio(m.Spend, float64(m.Conversions))
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdBundleID < out[j].AdBundleID })
	return out, nil
}

// IntentMetrics folds RunMetrics per intent, for decision inputs that compare
// intents rather than individual bundles.
func (c *Combiner) IntentMetrics(ctx context.Context, tenantID, runID string) (map[string]contracts.BundleMetrics, error) {
	perBundle, err := c.RunMetrics(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	out := map[string]contracts.BundleMetrics{}
	for _, m := range perBundle {
		agg := out[m.IntentID]
		agg.IntentID = m.IntentID
		agg.Impressions += m.Impressions
		agg.Clicks += m.Clicks
		agg.Spend += m.Spend
		agg.Conversions += m.Conversions
		out[m.IntentID] = agg
	}
	for id, agg := range out {
		agg.CTR = ratio(float64(agg.Clicks), float64(agg.Impressions))
		agg.CVR = ratio(float64(agg.Conversions), float64(agg.Clicks))
		agg.CPA = ratio(agg.Spend, float64(agg.Conversions))
		out[id] = agg
	}
	return out, nil
}

func ratio(num, den float64) *float64 {
	if den == 0 {
		return nil
	}
	v := num / den
	return &v
}
