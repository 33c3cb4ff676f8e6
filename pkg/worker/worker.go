// Package worker runs the job handlers behind the queue: stop-rule
// evaluation, report builds, platform insight syncs, QA smoke tests, publish
// and CSV parsing. One worker process polls the queue and ticks the
// scheduler; handlers are idempotent because delivery is at-least-once.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/incident"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/jobs"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/meta"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/notify"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/qa"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/report"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/stoprules"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

// Generator is the opaque content-generation oracle. The core never inspects
// how variants are produced; a nil generator fails generate jobs cleanly.
type Generator interface {
	Generate(ctx context.Context, job *contracts.Job) (json.RawMessage, error)
}

// ErrGeneratorUnavailable fails generate jobs when no oracle is wired.
var ErrGeneratorUnavailable = errors.New("worker: no generator configured")

// Deps is the wiring for New.
type Deps struct {
	Stores    *repo.Stores
	Queue     *jobs.Queue
	Combiner  *insights.Combiner
	Incidents *incident.Manager
	Notifier  *notify.Notifier
	Reports   *report.Builder
	Smoke     *qa.SmokeTester
	Publisher *publish.Publisher
	Importer  *insights.Importer
	Adapter   *meta.Adapter
	OAuth     *meta.OAuth
	Sink      *insights.MetaSink
	Blobs     objstore.Store
	Generator Generator
	Clock     ulid.Clock
	Log       *slog.Logger
}

// Worker owns the handler set and the poll loop.
type Worker struct {
	d Deps
}

// New registers every handler on the queue and returns the worker.
func New(d Deps) *Worker {
	w := &Worker{d: d}
	d.Queue.Register(contracts.JobStopEval, w.handleStopEval)
	d.Queue.Register(contracts.JobReport, w.handleReport)
	d.Queue.Register(contracts.JobMetaSync, w.handleMetaSync)
	d.Queue.Register(contracts.JobQASmoke, w.handleQASmoke)
	d.Queue.Register(contracts.JobPublish, w.handlePublish)
	d.Queue.Register(contracts.JobNotify, w.handleNotify)
	d.Queue.Register(contracts.JobImportParse, w.handleImportParse)
	d.Queue.Register(contracts.JobGenerate, w.handleGenerate)
	return w
}

// Run ticks the scheduler and drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, sched *jobs.Scheduler, poll time.Duration, maxPerTick int) error {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if maxPerTick <= 0 {
		maxPerTick = 20
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := sched.Tick(ctx); err != nil {
			w.d.Log.Error("scheduler tick failed", "error", err)
		}
		for i := 0; i < maxPerTick; i++ {
			job, err := w.d.Queue.RunOnce(ctx)
			if errors.Is(err, repo.ErrNotFound) {
				break
			}
			if err != nil {
				w.d.Log.Error("job execution failed", "error", err)
				break
			}
			if job.Status == contracts.JobFailed {
				w.d.Notifier.Send(ctx, notify.Message{
					Kind:     notify.KindJobFailure,
					TenantID: job.TenantID,
					RunID:    job.RunID,
					Title:    fmt.Sprintf("job %s failed", job.Type),
					Body:     job.LastError,
					Meta:     map[string]string{"job_id": job.ID},
					At:       w.d.Clock.Now(),
				})
			}
		}
	}
}

type skipResult struct {
	Skipped string `json:"skipped"`
}

func skipped(reason string) json.RawMessage {
	raw, _ := json.Marshal(skipResult{Skipped: reason})
	return raw
}

// handleStopEval assembles the metrics context, runs the evaluator, and
// applies the planned actions. Action application is idempotent: pauses use
// CAS on the current status and repeated incident creation is tolerated.
func (w *Worker) handleStopEval(ctx context.Context, job *contracts.Job) (json.RawMessage, error) {
	run, err := w.d.Stores.Runs.Get(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != contracts.RunRunning {
		return skipped("run is not running"), nil
	}
	if len(run.StopRulesJSON) == 0 {
		return skipped("no stop rules"), nil
	}
	doc, err := stoprules.Parse(run.StopRulesJSON)
	if err != nil {
		return nil, fmt.Errorf("worker: stop rules: %w", err)
	}

	evalCtx, err := w.buildStopContext(ctx, run)
	if err != nil {
		if doc.SafeModeOnError {
			w.pauseRun(ctx, run, "stop-rule context unavailable, safe mode")
		}
		return nil, fmt.Errorf("worker: stop context: %w", err)
	}

	eval := stoprules.Evaluate(doc, evalCtx)
	for _, action := range eval.Actions {
		if err := w.applyAction(ctx, run, job, action); err != nil {
			return nil, err
		}
	}
	return json.Marshal(eval)
}

func (w *Worker) buildStopContext(ctx context.Context, run *contracts.Run) (*stoprules.Context, error) {
	metrics, err := w.d.Combiner.RunMetrics(ctx, run.TenantID, run.ID)
	if err != nil {
		return nil, err
	}
	now := w.d.Clock.Now()
	sc := &stoprules.Context{
		RunID:     run.ID,
		RunStatus: run.Status,
		RunStart:  run.CreatedAt,
		Now:       now,
		Bundles:   map[string]stoprules.BundleSnapshot{},
	}
	if run.LaunchedAt != nil {
		sc.RunStart = *run.LaunchedAt
	}
	for _, m := range metrics {
		sc.TotalSpend += m.Spend
		sc.TotalClicks += m.Clicks
		sc.TotalImpressions += m.Impressions
		sc.TotalConversions += m.Conversions
		sc.Bundles[m.AdBundleID] = stoprules.BundleSnapshot{
			Spend:       m.Spend,
			Clicks:      m.Clicks,
			Conversions: m.Conversions,
			Impressions: m.Impressions,
		}
	}
	daily, err := w.d.Stores.Insights.SpendOn(ctx, run.TenantID, run.ID, now.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	sc.DailySpend = daily

	if sc.LastEventAt, err = w.d.Stores.Events.LastEventAt(ctx, run.TenantID, run.ID); err != nil {
		return nil, err
	}
	if sc.LastConversionAt, err = w.d.Stores.Events.LastConversionAt(ctx, run.TenantID, run.ID); err != nil {
		return nil, err
	}

	open, err := w.d.Stores.Incidents.ListByTenant(ctx, run.TenantID, contracts.IncidentOpen)
	if err != nil {
		return nil, err
	}
	for _, inc := range open {
		if inc.RunID == run.ID && inc.Kind == contracts.IncidentMetaRejected {
			sc.RejectedAdCount++
		}
	}
	return sc, nil
}

func (w *Worker) applyAction(ctx context.Context, run *contracts.Run, job *contracts.Job, action stoprules.PlannedAction) error {
	now := w.d.Clock.Now()
	switch action.Type {
	case stoprules.ActionPauseRun:
		w.pauseRun(ctx, run, action.Reason)
	case stoprules.ActionPauseBundle:
		for _, bundleID := range action.TargetBundleIDs {
			b, err := w.d.Stores.Bundles.Get(ctx, run.TenantID, bundleID)
			if err != nil {
				return err
			}
			if b.Status == contracts.BundlePaused {
				continue
			}
			b.Status = contracts.BundlePaused
			b.UpdatedAt = now
			if err := w.d.Stores.Bundles.Update(ctx, b); err != nil {
				return err
			}
		}
	case stoprules.ActionCreateIncident:
		_, err := w.d.Incidents.Create(ctx, run.TenantID, incident.CreateRequest{
			RunID:       run.ID,
			Kind:        contracts.IncidentMeasurement,
			Severity:    action.Severity,
			Title:       fmt.Sprintf("stop rule %s triggered", action.TriggeredByRuleID),
			Description: action.Reason,
			TriggeredBy: action.TriggeredByRuleID,
			Actor:       "system",
			RequestID:   job.ID,
		})
		if err != nil {
			return err
		}
	}
	w.d.Notifier.Send(ctx, notify.Message{
		Kind:     notify.KindStopRule,
		TenantID: run.TenantID,
		RunID:    run.ID,
		Title:    fmt.Sprintf("[%s] %s", action.Severity, action.Type),
		Body:     action.Reason,
		Meta:     map[string]string{"rule_id": action.TriggeredByRuleID},
		At:       now,
	})
	return nil
}

// pauseRun is best-effort: a lost CAS means someone else already moved the
// run, which is the desired end state anyway.
func (w *Worker) pauseRun(ctx context.Context, run *contracts.Run, reason string) {
	err := w.d.Stores.Runs.CompareAndSetStatus(ctx, run.TenantID, run.ID,
		contracts.RunRunning, contracts.RunPaused, w.d.Clock.Now())
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		w.d.Log.Error("pause run failed",
			"tenant_id", run.TenantID, "run_id", run.ID, "error", err)
		return
	}
	w.d.Log.Info("run paused by stop rule",
		"tenant_id", run.TenantID, "run_id", run.ID, "reason", reason)
}

func (w *Worker) handleReport(ctx context.Context, job *contracts.Job) (json.RawMessage, error) {
	_, key, err := w.d.Reports.BuildAndStore(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"objectKey": key})
}

// metaSyncWindow is how far back each sync re-reads; overlapping windows are
// safe because insight upserts are idempotent on (bundle, date, source).
const metaSyncWindow = 7 * 24 * time.Hour

func (w *Worker) handleMetaSync(ctx context.Context, job *contracts.Job) (json.RawMessage, error) {
	conns, err := w.d.OAuth.List(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}
	var conn *meta.Connection
	for _, c := range conns {
		if c.RevokedAt == nil && c.AccountID != "" {
			conn = c
			break
		}
	}
	if conn == nil {
		return skipped("no active connection with a bound account"), nil
	}

	now := w.d.Clock.Now().UTC()
	rows, err := w.d.Adapter.FetchInsights(ctx, job.TenantID, conn.ID, conn.AccountID,
		meta.DateRange{
			Since: now.Add(-metaSyncWindow).Format("2006-01-02"),
			Until: now.Format("2006-01-02"),
		}, meta.LevelAd)
	if err != nil {
		return nil, err
	}

	running, err := w.d.Stores.Runs.ListByStatus(ctx, contracts.RunRunning, contracts.RunLive)
	if err != nil {
		return nil, err
	}
	var stored, unmatched int
	for _, run := range running {
		if run.TenantID != job.TenantID {
			continue
		}
		s, u, err := w.d.Sink.StoreRows(ctx, run.TenantID, run.ID, rows)
		if err != nil {
			return nil, err
		}
		stored += s
		unmatched += u
	}
	return json.Marshal(map[string]int{"stored": stored, "unmatched": unmatched})
}

func (w *Worker) handleQASmoke(ctx context.Context, job *contracts.Job) (json.RawMessage, error) {
	rep, err := w.d.Smoke.Run(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rep)
}

func (w *Worker) handlePublish(ctx context.Context, job *contracts.Job) (json.RawMessage, error) {
	out, err := w.d.Publisher.Publish(ctx, job.TenantID, job.RunID, "system", job.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"deploymentId": out.Deployment.ID,
		"manifestKey":  out.ManifestKey,
	})
}

func (w *Worker) handleNotify(ctx context.Context, job *contracts.Job) (json.RawMessage, error) {
	var msg notify.Message
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return nil, fmt.Errorf("worker: notify payload: %w", err)
	}
	if msg.TenantID == "" {
		msg.TenantID = job.TenantID
	}
	if msg.At.IsZero() {
		msg.At = w.d.Clock.Now()
	}
	w.d.Notifier.Send(ctx, msg)
	return nil, nil
}

func (w *Worker) handleImportParse(ctx context.Context, job *contracts.Job) (json.RawMessage, error) {
	var payload struct {
		ObjectKey string `json:"objectKey"`
		Overwrite *bool  `json:"overwrite,omitempty"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.ObjectKey == "" {
		return nil, errors.New("worker: import_parse payload needs objectKey")
	}
	data, err := w.d.Blobs.Get(ctx, payload.ObjectKey)
	if err != nil {
		return nil, err
	}
	summary, err := w.d.Importer.ImportCSV(ctx, job.TenantID, job.RunID, data,
		insights.ImportOptions{Overwrite: payload.Overwrite})
	if err != nil {
		return nil, err
	}
	return json.Marshal(summary)
}

func (w *Worker) handleGenerate(ctx context.Context, job *contracts.Job) (json.RawMessage, error) {
	if w.d.Generator == nil {
		return nil, ErrGeneratorUnavailable
	}
	return w.d.Generator.Generate(ctx, job)
}
