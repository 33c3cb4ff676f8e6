package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/incident"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/jobs"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/notify"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/qa"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

type movingClock struct{ t time.Time }

func (c *movingClock) Now() time.Time { return c.t }

type harness struct {
	worker *Worker
	queue  *jobs.Queue
	stores *repo.Stores
	clock  *movingClock
	blobs  *objstore.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &movingClock{t: time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)}
	stores := memory.New()
	ids := ulid.NewFactory()
	log := slog.Default()
	rec := audit.NewRecorder(stores.Audit, ids, clock)
	blobs := objstore.NewMemory()
	combiner := insights.NewCombiner(stores.Bundles, stores.Insights, stores.Events)
	queue := jobs.NewQueue(stores.Jobs, ids, clock, log)

	w := New(Deps{
		Stores:    stores,
		Queue:     queue,
		Combiner:  combiner,
		Incidents: incident.NewManager(stores, notify.New(log), rec, ids, clock, log),
		Notifier:  notify.New(log),
		Smoke:     qa.NewSmokeTester(stores.Bundles),
		Importer:  insights.NewImporter(stores.Bundles, stores.Insights, stores.Imports, blobs, ids, clock, log),
		Blobs:     blobs,
		Clock:     clock,
		Log:       log,
	})
	return &harness{worker: w, queue: queue, stores: stores, clock: clock, blobs: blobs}
}

func (h *harness) seedRunningRun(t *testing.T, stopRules string) *contracts.Run {
	t.Helper()
	ctx := context.Background()
	launched := h.clock.t.Add(-48 * time.Hour)
	run := &contracts.Run{
		ID:            "run1",
		TenantID:      "t1",
		ProjectID:     "p1",
		Name:          "R",
		Mode:          contracts.ModeManual,
		Status:        contracts.RunRunning,
		StopRulesJSON: json.RawMessage(stopRules),
		LaunchedAt:    &launched,
		CreatedAt:     launched,
		UpdatedAt:     launched,
	}
	require.NoError(t, h.stores.Runs.Create(ctx, run))
	require.NoError(t, h.stores.Bundles.Create(ctx, &contracts.AdBundle{
		ID: "ab1", TenantID: "t1", RunID: "run1",
		IntentID: "i1", LpVariantID: "lp1", CreativeVariantID: "cr1", AdCopyID: "ac1",
		Status: contracts.BundleRunning, CreatedAt: launched, UpdatedAt: launched,
	}))
	return run
}

const capDoc = `{
  "version": "1.0.0",
  "rules": [
    {"id": "total-cap", "type": "spend_total_cap", "enabled": true,
     "action": "pause_run", "severity": "high", "threshold": 100}
  ]
}`

func TestStopEvalPausesRunOnSpendCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedRunningRun(t, capDoc)

	require.NoError(t, h.stores.Insights.UpsertDaily(ctx, &contracts.InsightDaily{
		AdBundleID: "ab1", TenantID: "t1", Date: "2026-06-09",
		Source: contracts.SourceMeta, Impressions: 1000, Clicks: 50,
		Spend: 150, Conversions: 2, ImportedAt: h.clock.t,
	}))

	job, err := h.queue.Enqueue(ctx, "t1", "run1", contracts.JobStopEval, nil)
	require.NoError(t, err)
	done, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, done.ID)
	require.Equal(t, contracts.JobSucceeded, done.Status)

	run, err := h.stores.Runs.Get(ctx, "t1", "run1")
	require.NoError(t, err)
	require.Equal(t, contracts.RunPaused, run.Status)

	var result struct {
		Actions []struct {
			Type              string `json:"type"`
			TriggeredByRuleID string `json:"triggeredByRuleId"`
		} `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(done.Result, &result))
	require.Len(t, result.Actions, 1)
	require.Equal(t, "pause_run", result.Actions[0].Type)
	require.Equal(t, "total-cap", result.Actions[0].TriggeredByRuleID)
}

func TestStopEvalUnderCapLeavesRunAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedRunningRun(t, capDoc)

	require.NoError(t, h.stores.Insights.UpsertDaily(ctx, &contracts.InsightDaily{
		AdBundleID: "ab1", TenantID: "t1", Date: "2026-06-09",
		Source: contracts.SourceMeta, Spend: 40, ImportedAt: h.clock.t,
	}))

	_, err := h.queue.Enqueue(ctx, "t1", "run1", contracts.JobStopEval, nil)
	require.NoError(t, err)
	done, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, contracts.JobSucceeded, done.Status)

	run, err := h.stores.Runs.Get(ctx, "t1", "run1")
	require.NoError(t, err)
	require.Equal(t, contracts.RunRunning, run.Status)
}

func TestStopEvalSkipsNonRunningRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.seedRunningRun(t, capDoc)
	run.Status = contracts.RunCompleted
	require.NoError(t, h.stores.Runs.Update(ctx, run))

	_, err := h.queue.Enqueue(ctx, "t1", "run1", contracts.JobStopEval, nil)
	require.NoError(t, err)
	done, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, contracts.JobSucceeded, done.Status)
	require.JSONEq(t, `{"skipped":"run is not running"}`, string(done.Result))
}

func TestStopEvalCreateIncident(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := `{
	  "version": "1.0.0",
	  "rules": [
	    {"id": "daily-cap", "type": "spend_daily_cap", "enabled": true,
	     "action": "create_incident", "severity": "medium", "threshold": 10}
	  ]
	}`
	h.seedRunningRun(t, doc)

	// Spend on the evaluation date itself counts as daily spend.
	require.NoError(t, h.stores.Insights.UpsertDaily(ctx, &contracts.InsightDaily{
		AdBundleID: "ab1", TenantID: "t1", Date: "2026-06-10",
		Source: contracts.SourceMeta, Spend: 25, ImportedAt: h.clock.t,
	}))

	_, err := h.queue.Enqueue(ctx, "t1", "run1", contracts.JobStopEval, nil)
	require.NoError(t, err)
	done, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, contracts.JobSucceeded, done.Status)

	open, err := h.stores.Incidents.ListByTenant(ctx, "t1", contracts.IncidentOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "daily-cap", open[0].TriggeredBy)
	require.Equal(t, "run1", open[0].RunID)

	// The run keeps running: create_incident never pauses by itself.
	run, err := h.stores.Runs.Get(ctx, "t1", "run1")
	require.NoError(t, err)
	require.Equal(t, contracts.RunRunning, run.Status)
}

func TestImportParseReadsBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedRunningRun(t, capDoc)

	csv := "date,ad_bundle_id,impressions,clicks,spend,conversions\n" +
		"2026-06-09,ab1,1000,50,42.5,3\n"
	require.NoError(t, h.blobs.Put(ctx, "imports/t1/run1.csv", []byte(csv), "text/csv"))

	payload, _ := json.Marshal(map[string]any{"objectKey": "imports/t1/run1.csv"})
	_, err := h.queue.Enqueue(ctx, "t1", "run1", contracts.JobImportParse, payload)
	require.NoError(t, err)
	done, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, contracts.JobSucceeded, done.Status, "last error: %s", done.LastError)

	row, err := h.stores.Insights.GetDaily(ctx, "t1", "ab1", "2026-06-09", contracts.SourceManual)
	require.NoError(t, err)
	require.Equal(t, int64(1000), row.Impressions)
	require.InDelta(t, 42.5, row.Spend, 1e-9)
}

func TestGenerateWithoutOracleFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, "t1", "run1", contracts.JobGenerate, nil)
	require.NoError(t, err)
	done, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, contracts.JobFailed, done.Status)
	require.Contains(t, done.LastError, "no generator configured")
}
