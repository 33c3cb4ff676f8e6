package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

func newQueue(t *testing.T) (*Queue, *repo.Stores) {
	t.Helper()
	stores := memory.New()
	clock := ulid.FixedClock{T: time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)}
	q := NewQueue(stores.Jobs, ulid.NewFactory(), clock, slog.Default())
	return q, stores
}

func TestEnqueueAndExecute(t *testing.T) {
	ctx := context.Background()
	q, stores := newQueue(t)

	var got *contracts.Job
	q.Register(contracts.JobStopEval, func(_ context.Context, job *contracts.Job) (json.RawMessage, error) {
		got = job
		return json.RawMessage(`{"actions":0}`), nil
	})

	job, err := q.Enqueue(ctx, "t1", "RUN1", contracts.JobStopEval, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.Equal(t, contracts.JobQueued, job.Status)
	require.Equal(t, contracts.DefaultMaxAttempts, job.MaxAttempts)

	done, err := q.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, done.ID)
	require.Equal(t, contracts.JobSucceeded, done.Status)
	require.Equal(t, 1, done.Attempts)
	require.JSONEq(t, `{"actions":0}`, string(done.Result))
	require.NotNil(t, got)

	stored, err := stores.Jobs.Get(ctx, "t1", job.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.JobSucceeded, stored.Status)
	require.NotNil(t, stored.FinishedAt)
}

func TestRunOnceIdleQueue(t *testing.T) {
	q, _ := newQueue(t)
	q.Register(contracts.JobStopEval, func(context.Context, *contracts.Job) (json.RawMessage, error) {
		return nil, nil
	})
	_, err := q.RunOnce(context.Background())
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunOnceSkipsUnregisteredTypes(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	q.Register(contracts.JobReport, func(context.Context, *contracts.Job) (json.RawMessage, error) {
		return nil, nil
	})

	// A meta_sync job sits queued; this worker only handles report.
	_, err := q.Enqueue(ctx, "t1", "", contracts.JobMetaSync, nil)
	require.NoError(t, err)

	_, err = q.RunOnce(ctx)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRetrySemantics(t *testing.T) {
	ctx := context.Background()
	q, stores := newQueue(t)

	fail := true
	q.Register(contracts.JobPublish, func(context.Context, *contracts.Job) (json.RawMessage, error) {
		if fail {
			return nil, errors.New("platform 500")
		}
		return json.RawMessage(`"ok"`), nil
	})

	job, err := q.Enqueue(ctx, "t1", "RUN1", contracts.JobPublish, nil)
	require.NoError(t, err)

	done, err := q.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, contracts.JobFailed, done.Status)
	require.Equal(t, "platform 500", done.LastError)
	require.Equal(t, 1, done.Attempts)

	// Retry re-queues without touching attempts.
	retried, err := q.Retry(ctx, "t1", job.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.JobQueued, retried.Status)
	require.Equal(t, 1, retried.Attempts)

	// Retry of a queued job is rejected.
	_, err = q.Retry(ctx, "t1", job.ID)
	require.ErrorIs(t, err, ErrNotRetryable)

	fail = false
	done, err = q.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, contracts.JobSucceeded, done.Status)
	require.Equal(t, 2, done.Attempts)

	stored, err := stores.Jobs.Get(ctx, "t1", job.ID)
	require.NoError(t, err)
	require.Empty(t, stored.LastError)
}

func TestCancelSemantics(t *testing.T) {
	ctx := context.Background()
	q, stores := newQueue(t)
	q.Register(contracts.JobReport, func(context.Context, *contracts.Job) (json.RawMessage, error) {
		return nil, nil
	})

	job, err := q.Enqueue(ctx, "t1", "RUN1", contracts.JobReport, nil)
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, "t1", job.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.JobCancelled, cancelled.Status)

	stored, err := stores.Jobs.Get(ctx, "t1", job.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.JobCancelled, stored.Status)

	// A cancelled job is never claimed.
	_, err = q.RunOnce(ctx)
	require.ErrorIs(t, err, repo.ErrNotFound)

	// Cancel is only valid from queued.
	_, err = q.Cancel(ctx, "t1", job.ID)
	require.ErrorIs(t, err, ErrNotCancellable)

	job2, err := q.Enqueue(ctx, "t1", "RUN1", contracts.JobReport, nil)
	require.NoError(t, err)
	done, err := q.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, job2.ID, done.ID)
	_, err = q.Cancel(ctx, "t1", job2.ID)
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	q.Register(contracts.JobPublish, func(context.Context, *contracts.Job) (json.RawMessage, error) {
		return nil, errors.New("always down")
	})

	job, err := q.Enqueue(ctx, "t1", "RUN1", contracts.JobPublish, nil)
	require.NoError(t, err)

	for i := 0; i < contracts.DefaultMaxAttempts; i++ {
		_, err = q.RunOnce(ctx)
		require.NoError(t, err)
		if i < contracts.DefaultMaxAttempts-1 {
			_, err = q.Retry(ctx, "t1", job.ID)
			require.NoError(t, err)
		}
	}
	_, err = q.Retry(ctx, "t1", job.ID)
	require.ErrorIs(t, err, ErrAttemptsExhausted)
}

type tickClock struct{ t time.Time }

func (c *tickClock) Now() time.Time { return c.t }

func TestSchedulerTick(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	clock := &tickClock{t: time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)}
	q := NewQueue(stores.Jobs, ulid.NewFactory(), clock, slog.Default())
	s := NewScheduler(stores, q, clock, slog.Default(), time.Hour)

	require.NoError(t, stores.Runs.Create(ctx, &contracts.Run{
		ID: "RUN1", TenantID: "t1", Mode: contracts.ModeAuto, Status: contracts.RunRunning,
		StopRulesJSON: json.RawMessage(`{"version":"1.0.0","evaluation_interval_sec":600,"rules":[]}`),
	}))
	require.NoError(t, stores.Runs.Create(ctx, &contracts.Run{
		ID: "RUN2", TenantID: "t1", Mode: contracts.ModeAuto, Status: contracts.RunCompleted,
	}))

	require.NoError(t, s.Tick(ctx))

	jobs, err := stores.Jobs.ListByRun(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, contracts.JobStopEval, jobs[0].Type)

	reports, err := stores.Jobs.ListByRun(ctx, "t1", "RUN2")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, contracts.JobReport, reports[0].Type)

	// Five minutes later: below the run's 600 s interval, nothing new for
	// RUN1; report is once per completion.
	clock.t = clock.t.Add(5 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	jobs, err = stores.Jobs.ListByRun(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	reports, err = stores.Jobs.ListByRun(ctx, "t1", "RUN2")
	require.NoError(t, err)
	require.Len(t, reports, 1)

	// Past the interval a second stop_eval lands.
	clock.t = clock.t.Add(6 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	jobs, err = stores.Jobs.ListByRun(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// meta_sync enqueued once per tenant per cadence.
	var metaSyncs int
	for _, j := range allTenantJobs(t, stores, "t1") {
		if j.Type == contracts.JobMetaSync {
			metaSyncs++
		}
	}
	require.Equal(t, 1, metaSyncs)
}

func allTenantJobs(t *testing.T, stores *repo.Stores, tenantID string) []*contracts.Job {
	t.Helper()
	var out []*contracts.Job
	for _, runID := range []string{"", "RUN1", "RUN2"} {
		jobs, err := stores.Jobs.ListByRun(context.Background(), tenantID, runID)
		require.NoError(t, err)
		out = append(out, jobs...)
	}
	return out
}
