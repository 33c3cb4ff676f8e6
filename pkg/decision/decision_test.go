package decision

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/stats"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

func newService(t *testing.T) (*Service, *repo.Stores) {
	t.Helper()
	stores := memory.New()
	clock := ulid.FixedClock{T: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	combiner := insights.NewCombiner(stores.Bundles, stores.Insights, stores.Events)
	rec := audit.NewRecorder(stores.Audit, ulid.NewFactory(), clock)
	svc := NewService(stores, combiner, stats.NewKernel(stats.WithSeed(7)),
		rec, ulid.NewFactory(), clock, slog.Default())
	return svc, stores
}

func seedRun(t *testing.T, stores *repo.Stores, status contracts.RunStatus) {
	t.Helper()
	require.NoError(t, stores.Runs.Create(context.Background(), &contracts.Run{
		ID: "RUN1", TenantID: "t1", ProjectID: "p1",
		Mode: contracts.ModeAuto, Status: status,
	}))
}

// confidentVariants separates clearly: 10% vs 5% CVR at 500 clicks each.
func confidentVariants() []stats.Observation {
	return []stats.Observation{
		{VariantID: "A", Clicks: 500, Conversions: 50},
		{VariantID: "B", Clicks: 500, Conversions: 25},
	}
}

func TestDecideWithoutPersist(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)
	seedRun(t, stores, contracts.RunRunning)

	out, err := svc.Decide(ctx, "t1", Request{RunID: "RUN1", Variants: confidentVariants()})
	require.NoError(t, err)
	require.Equal(t, contracts.ConfidenceConfident, out.Result.Confidence)
	require.Equal(t, "A", out.Result.WinnerID)
	require.Nil(t, out.Decision)
	require.False(t, out.Finalized)

	_, err = stores.Decisions.LatestByRun(ctx, "t1", "RUN1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDecidePersistsDraft(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)
	seedRun(t, stores, contracts.RunRunning)

	out, err := svc.Decide(ctx, "t1", Request{
		RunID: "RUN1", Variants: confidentVariants(), Persist: true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	require.Equal(t, contracts.DecisionDraft, out.Decision.Status)

	got, err := stores.Decisions.LatestByRun(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Equal(t, out.Decision.ID, got.ID)
	require.Len(t, got.Ranking, 2)

	// Run untouched.
	run, err := stores.Runs.Get(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Equal(t, contracts.RunRunning, run.Status)
}

func TestDecideFinalizeCompletesRun(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)
	seedRun(t, stores, contracts.RunRunning)

	out, err := svc.Decide(ctx, "t1", Request{
		RunID: "RUN1", Variants: confidentVariants(),
		Finalize: true, Actor: "user_1", RequestID: "req_1",
	})
	require.NoError(t, err)
	require.True(t, out.Finalized)
	require.Equal(t, contracts.DecisionFinal, out.Decision.Status)
	require.NotNil(t, out.Decision.FinalAt)

	run, err := stores.Runs.Get(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Equal(t, contracts.RunCompleted, run.Status)

	final, err := stores.Decisions.FinalByRun(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Equal(t, out.Decision.ID, final.ID)

	entries, err := stores.Audit.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "decision.finalize", entries[0].Action)
}

func TestDecideFinalizeRejectsInsufficient(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)
	seedRun(t, stores, contracts.RunRunning)

	_, err := svc.Decide(ctx, "t1", Request{
		RunID: "RUN1",
		Variants: []stats.Observation{
			{VariantID: "A", Clicks: 50, Conversions: 1},
			{VariantID: "B", Clicks: 40, Conversions: 0},
		},
		Finalize: true,
	})
	require.ErrorIs(t, err, ErrNotFinalizable)

	// Non-finalizing insufficient decide still succeeds with the gap message.
	out, err := svc.Decide(ctx, "t1", Request{
		RunID: "RUN1",
		Variants: []stats.Observation{
			{VariantID: "A", Clicks: 50, Conversions: 1},
			{VariantID: "B", Clicks: 40, Conversions: 0},
		},
	})
	require.NoError(t, err)
	require.Equal(t, contracts.ConfidenceInsufficient, out.Result.Confidence)
	require.Positive(t, out.Result.AdditionalClicksNeeded)
}

func TestDecideFinalizeRejectsWrongRunStatus(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)
	seedRun(t, stores, contracts.RunLive)

	_, err := svc.Decide(ctx, "t1", Request{
		RunID: "RUN1", Variants: confidentVariants(), Finalize: true,
	})
	require.ErrorIs(t, err, ErrNotFinalizable)
}

func TestDecideSecondFinalConflicts(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)
	seedRun(t, stores, contracts.RunRunning)

	_, err := svc.Decide(ctx, "t1", Request{
		RunID: "RUN1", Variants: confidentVariants(), Finalize: true,
	})
	require.NoError(t, err)

	// Reopen the run; a second finalize must still fail on the final row.
	require.NoError(t, stores.Runs.CompareAndSetStatus(ctx, "t1", "RUN1",
		contracts.RunCompleted, contracts.RunRunning, time.Now()))
	_, err = svc.Decide(ctx, "t1", Request{
		RunID: "RUN1", Variants: confidentVariants(), Finalize: true,
	})
	require.ErrorIs(t, err, ErrNotFinalizable)
}

func TestDecidePullsFromMetrics(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)
	seedRun(t, stores, contracts.RunRunning)

	for i, b := range []struct {
		id     string
		clicks int64
		cv     int64
	}{{"AB1", 500, 50}, {"AB2", 500, 25}} {
		require.NoError(t, stores.Bundles.Create(ctx, &contracts.AdBundle{
			ID: b.id, TenantID: "t1", RunID: "RUN1", IntentID: "IN1",
			LpVariantID: "LP1", CreativeVariantID: "CR1",
			AdCopyID: []string{"AC1", "AC2"}[i],
		}))
		require.NoError(t, stores.Insights.UpsertDaily(ctx, &contracts.InsightDaily{
			AdBundleID: b.id, TenantID: "t1", Date: "2026-03-09",
			Source: contracts.SourceManual, Clicks: b.clicks, Conversions: b.cv,
			Impressions: 10000, Spend: 100,
		}))
	}

	out, err := svc.Decide(ctx, "t1", Request{RunID: "RUN1"})
	require.NoError(t, err)
	require.Equal(t, contracts.ConfidenceConfident, out.Result.Confidence)
	require.Equal(t, "AB1", out.Result.WinnerID)
}

func TestDecideNoVariants(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)
	seedRun(t, stores, contracts.RunRunning)

	_, err := svc.Decide(ctx, "t1", Request{RunID: "RUN1"})
	require.ErrorIs(t, err, ErrNoVariants)
}

func TestDecideThresholdOverridesFromRun(t *testing.T) {
	ctx := context.Background()
	svc, stores := newService(t)

	minClicks := 1000
	require.NoError(t, stores.Runs.Create(ctx, &contracts.Run{
		ID: "RUN2", TenantID: "t1", Mode: contracts.ModeAuto,
		Status:            contracts.RunRunning,
		DecisionRulesJSON: mustJSON(t, contracts.DecisionRules{Version: "1.0.0", MinClicks: &minClicks}),
	}))

	out, err := svc.Decide(ctx, "t1", Request{RunID: "RUN2", Variants: confidentVariants()})
	require.NoError(t, err)
	// The pair carries exactly 1000 total clicks, meeting the raised floor.
	require.Equal(t, contracts.ConfidenceConfident, out.Result.Confidence)

	minClicks2 := 2000
	require.NoError(t, stores.Runs.Create(ctx, &contracts.Run{
		ID: "RUN3", TenantID: "t1", Mode: contracts.ModeAuto,
		Status:            contracts.RunRunning,
		DecisionRulesJSON: mustJSON(t, contracts.DecisionRules{Version: "1.0.0", MinClicks: &minClicks2}),
	}))
	out, err = svc.Decide(ctx, "t1", Request{RunID: "RUN3", Variants: confidentVariants()})
	require.NoError(t, err)
	require.Equal(t, contracts.ConfidenceInsufficient, out.Result.Confidence)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
