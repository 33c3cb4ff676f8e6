// Package report assembles the end-of-run report: summary, per-intent
// performance, statistical verdict, winner, and follow-on proposals. The
// output is one JSON document.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/planner"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/stats"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

const documentVersion = "1.0.0"

// Document is the full run report.
type Document struct {
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`

	Run     Summary             `json:"run"`
	Intents []IntentPerformance `json:"intents"`

	Verdict *contracts.Decision `json:"verdict,omitempty"`
	Winner  *WinnerBlock        `json:"winner,omitempty"`

	AdditionalBudget *BudgetProposal  `json:"additionalBudget,omitempty"`
	NextRun          *NextRunProposal `json:"nextRun,omitempty"`
}

// Summary is the run header block.
type Summary struct {
	RunID       string                 `json:"runId"`
	Name        string                 `json:"name"`
	Mode        contracts.OperationMode `json:"mode"`
	Status      contracts.RunStatus    `json:"status"`
	LaunchedAt  *time.Time             `json:"launchedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	BudgetCap   *float64               `json:"budgetCap,omitempty"`
	TotalSpend  float64                `json:"totalSpend"`
	// BudgetConsumption is spend / cap, nil without a cap.
	BudgetConsumption *float64 `json:"budgetConsumption,omitempty"`
}

// IntentPerformance is the per-intent breakdown with its bundle rows.
type IntentPerformance struct {
	IntentID string                   `json:"intentId"`
	Title    string                   `json:"title"`
	Bundles  []contracts.BundleMetrics `json:"bundles"`

	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Spend       float64 `json:"spend"`
	Conversions int64   `json:"conversions"`
}

// WinnerBlock is present when the verdict named a winner.
type WinnerBlock struct {
	VariantID string `json:"variantId"`
	Rationale string `json:"rationale"`
}

// BudgetProposal is emitted for insufficient verdicts.
type BudgetProposal struct {
	AdditionalClicksNeeded      int64   `json:"additionalClicksNeeded"`
	AdditionalConversionsNeeded int64   `json:"additionalConversionsNeeded"`
	// EstimatedSpend projects the click gap at the observed cost per click;
	// zero when no spend data exists yet.
	EstimatedSpend float64 `json:"estimatedSpend"`
}

// NextRunProposal sketches the follow-on run without creating it.
type NextRunProposal struct {
	SourceRunID     string                    `json:"sourceRunId"`
	Granularity     *planner.FixedGranularity `json:"granularity,omitempty"`
	LockedIntentIDs []string                  `json:"lockedIntentIds,omitempty"`
	MaxNewIntents   int                       `json:"maxNewIntents"`
}

// Builder assembles reports.
type Builder struct {
	stores   *repo.Stores
	combiner *insights.Combiner
	blobs    objstore.Store
	ids      *ulid.Factory
	clock    ulid.Clock
	log      *slog.Logger
}

func NewBuilder(stores *repo.Stores, combiner *insights.Combiner, blobs objstore.Store, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Builder {
	return &Builder{stores: stores, combiner: combiner, blobs: blobs, ids: ids, clock: clock, log: log}
}

// Build assembles the report document for a run.
func (b *Builder) Build(ctx context.Context, tenantID, runID string) (*Document, error) {
	run, err := b.stores.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	metrics, err := b.combiner.RunMetrics(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Version:     documentVersion,
		GeneratedAt: b.clock.Now(),
		Run: Summary{
			RunID:       run.ID,
			Name:        run.Name,
			Mode:        run.Mode,
			Status:      run.Status,
			LaunchedAt:  run.LaunchedAt,
			CompletedAt: run.CompletedAt,
			BudgetCap:   run.BudgetCap,
		},
	}

	var totalClicks int64
	for _, m := range metrics {
		doc.Run.TotalSpend += m.Spend
		totalClicks += m.Clicks
	}
	if run.BudgetCap != nil && *run.BudgetCap > 0 {
		rate := doc.Run.TotalSpend / *run.BudgetCap
		doc.Run.BudgetConsumption = &rate
	}

	if doc.Intents, err = b.intentBlocks(ctx, tenantID, runID, metrics); err != nil {
		return nil, err
	}

	verdict, err := b.stores.Decisions.LatestByRun(ctx, tenantID, runID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if verdict != nil {
		doc.Verdict = verdict
		if verdict.WinnerID != "" {
			doc.Winner = &WinnerBlock{VariantID: verdict.WinnerID, Rationale: verdict.Rationale}
		}
		if verdict.Confidence == contracts.ConfidenceInsufficient {
			doc.AdditionalBudget = budgetProposal(run, verdict, doc.Run.TotalSpend, totalClicks)
		}
	}

	if len(run.FixedGranJSON) > 0 {
		gran, err := planner.ParseGranularity(run.FixedGranJSON)
		if err == nil {
			doc.NextRun = &NextRunProposal{
				SourceRunID:     run.ID,
				Granularity:     gran,
				LockedIntentIDs: gran.Fixed.Intent.LockIntentIDs,
				MaxNewIntents:   gran.Explore.Intent.MaxNewIntents,
			}
		} else {
			b.log.Warn("granularity document unreadable, next-run proposal omitted",
				"tenant_id", tenantID, "run_id", runID, "error", err)
		}
	}
	return doc, nil
}

// BuildAndStore builds the report and archives it in the blob store. The
// report job handler uses this entry point.
func (b *Builder) BuildAndStore(ctx context.Context, tenantID, runID string) (*Document, string, error) {
	doc, err := b.Build(ctx, tenantID, runID)
	if err != nil {
		return nil, "", err
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("report: marshal: %w", err)
	}
	id, err := b.ids.New(doc.GeneratedAt)
	if err != nil {
		return nil, "", fmt.Errorf("report: id: %w", err)
	}
	key := fmt.Sprintf("reports/%s/%s/%s.json", tenantID, runID, string(id))
	if err := b.blobs.Put(ctx, key, payload, "application/json"); err != nil {
		return nil, "", fmt.Errorf("report: store: %w", err)
	}
	return doc, key, nil
}

func (b *Builder) intentBlocks(ctx context.Context, tenantID, runID string, metrics []contracts.BundleMetrics) ([]IntentPerformance, error) {
	intents, err := b.stores.Intents.ListByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	byIntent := map[string][]contracts.BundleMetrics{}
	for _, m := range metrics {
		byIntent[m.IntentID] = append(byIntent[m.IntentID], m)
	}

	out := make([]IntentPerformance, 0, len(intents))
	for _, intent := range intents {
		block := IntentPerformance{
			IntentID: intent.ID,
			Title:    intent.Title,
			Bundles:  byIntent[intent.ID],
		}
		for _, m := range block.Bundles {
			block.Impressions += m.Impressions
			block.Clicks += m.Clicks
			block.Spend += m.Spend
			block.Conversions += m.Conversions
		}
		out = append(out, block)
	}
	return out, nil
}

// budgetProposal recomputes the sample gaps from the persisted ranking so
// the proposal stands on the same numbers the verdict was made from.
func budgetProposal(run *contracts.Run, verdict *contracts.Decision, totalSpend float64, totalClicks int64) *BudgetProposal {
	var clicks, cv int64
	for _, v := range verdict.Ranking {
		clicks += v.Clicks
		cv += v.Conversions
	}
	th := stats.DefaultThresholds()
	if len(run.DecisionRulesJSON) > 0 {
		var rules contracts.DecisionRules
		if err := json.Unmarshal(run.DecisionRulesJSON, &rules); err == nil {
			th = stats.ThresholdsFromRules(&rules)
		}
	}
	needClicks := int64(th.MinClicks) - clicks
	if needClicks < 0 {
		needClicks = 0
	}
	needCV := int64(th.ConfidentCV) - cv
	if needCV < 0 {
		needCV = 0
	}
	p := &BudgetProposal{
		AdditionalClicksNeeded:      needClicks,
		AdditionalConversionsNeeded: needCV,
	}
	if totalClicks > 0 && totalSpend > 0 {
		p.EstimatedSpend = totalSpend / float64(totalClicks) * float64(needClicks)
	}
	return p
}
