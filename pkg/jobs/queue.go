// Package jobs is the durable async work queue: enqueue, claim, execute,
// retry, plus the periodic scheduler that feeds it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

var (
	// ErrNotRetryable rejects retry of a job that is not in the failed state.
	ErrNotRetryable = errors.New("jobs: only failed jobs can be retried")
	// ErrAttemptsExhausted rejects retry past max_attempts.
	ErrAttemptsExhausted = errors.New("jobs: attempts exhausted")
	// ErrNotCancellable rejects cancel of a job that already left the queue.
	ErrNotCancellable = errors.New("jobs: only queued jobs can be cancelled")
	// ErrNoHandler means a job of an unregistered type was claimed.
	ErrNoHandler = errors.New("jobs: no handler registered")
)

// Handler executes one job attempt. The returned raw message is stored as the
// job result. Handlers are at-least-once and must be idempotent.
type Handler func(ctx context.Context, job *contracts.Job) (json.RawMessage, error)

// Queue enqueues, claims and executes jobs.
type Queue struct {
	store    repo.JobRepo
	handlers map[contracts.JobType]Handler
	ids      *ulid.Factory
	clock    ulid.Clock
	log      *slog.Logger
}

func NewQueue(store repo.JobRepo, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Queue {
	return &Queue{
		store:    store,
		handlers: map[contracts.JobType]Handler{},
		ids:      ids,
		clock:    clock,
		log:      log,
	}
}

// Register binds a handler to a job type. Not safe once workers run.
func (q *Queue) Register(t contracts.JobType, h Handler) {
	q.handlers[t] = h
}

// Enqueue creates a queued job.
func (q *Queue) Enqueue(ctx context.Context, tenantID, runID string, t contracts.JobType, payload json.RawMessage) (*contracts.Job, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("jobs: unknown job type %q", t)
	}
	now := q.clock.Now()
	id, err := q.ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("jobs: id: %w", err)
	}
	job := &contracts.Job{
		ID:          string(id),
		TenantID:    tenantID,
		RunID:       runID,
		Type:        t,
		Status:      contracts.JobQueued,
		Payload:     payload,
		MaxAttempts: contracts.DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RunOnce claims and executes the oldest queued job of the registered types.
// It reports repo.ErrNotFound when the queue is idle.
func (q *Queue) RunOnce(ctx context.Context) (*contracts.Job, error) {
	types := make([]contracts.JobType, 0, len(q.handlers))
	for t := range q.handlers {
		types = append(types, t)
	}
	job, err := q.store.DequeueOldest(ctx, types...)
	if err != nil {
		return nil, err
	}

	h, ok := q.handlers[job.Type]
	if !ok {
		return nil, ErrNoHandler
	}

	result, execErr := h(ctx, job)
	now := q.clock.Now()
	job.UpdatedAt = now
	job.FinishedAt = &now
	if execErr != nil {
		job.Status = contracts.JobFailed
		job.LastError = execErr.Error()
		q.log.Warn("job failed",
			"job_id", job.ID, "type", string(job.Type),
			"attempt", job.Attempts, "error", execErr)
	} else {
		job.Status = contracts.JobSucceeded
		job.LastError = ""
		job.Result = result
	}
	if err := q.store.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("jobs: record outcome: %w", err)
	}
	return job, nil
}

// Retry re-queues a failed job. Attempts stay untouched: the next execution
// counts itself when it is claimed.
func (q *Queue) Retry(ctx context.Context, tenantID, jobID string) (*contracts.Job, error) {
	job, err := q.store.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != contracts.JobFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, job.Status)
	}
	if job.Attempts >= job.MaxAttempts {
		return nil, fmt.Errorf("%w: %d/%d", ErrAttemptsExhausted, job.Attempts, job.MaxAttempts)
	}
	if err := q.store.CompareAndSetStatus(ctx, tenantID, jobID, contracts.JobFailed, contracts.JobQueued); err != nil {
		return nil, err
	}
	job.Status = contracts.JobQueued
	return job, nil
}

// Cancel withdraws a queued job. The CAS on queued means a job a worker has
// already claimed cannot be pulled back; running work is never interrupted.
func (q *Queue) Cancel(ctx context.Context, tenantID, jobID string) (*contracts.Job, error) {
	job, err := q.store.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != contracts.JobQueued {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, job.Status)
	}
	if err := q.store.CompareAndSetStatus(ctx, tenantID, jobID, contracts.JobQueued, contracts.JobCancelled); err != nil {
		return nil, err
	}
	job.Status = contracts.JobCancelled
	return job, nil
}

// Scheduler enqueues the periodic jobs. One instance runs per deployment;
// Tick is cheap enough to call every few seconds.
type Scheduler struct {
	stores       *repo.Stores
	queue        *Queue
	clock        ulid.Clock
	log          *slog.Logger
	metaCadence  time.Duration
	lastStopEval map[string]time.Time // run id -> last enqueue
	lastMetaSync map[string]time.Time // tenant id -> last enqueue
	reported     map[string]bool      // run id -> report enqueued
}

func NewScheduler(stores *repo.Stores, queue *Queue, clock ulid.Clock, log *slog.Logger, metaCadence time.Duration) *Scheduler {
	if metaCadence <= 0 {
		metaCadence = time.Hour
	}
	return &Scheduler{
		stores:       stores,
		queue:        queue,
		clock:        clock,
		log:          log,
		metaCadence:  metaCadence,
		lastStopEval: map[string]time.Time{},
		lastMetaSync: map[string]time.Time{},
		reported:     map[string]bool{},
	}
}

// defaultEvalInterval applies when a run carries no stop-rule document or the
// document does not set one.
const defaultEvalInterval = 300 * time.Second

// Tick enqueues whatever is due: stop_eval per running run at its evaluation
// interval, meta_sync per tenant on the fixed cadence, report once per
// completed run.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()

	running, err := s.stores.Runs.ListByStatus(ctx, contracts.RunRunning)
	if err != nil {
		return err
	}
	tenants := map[string]bool{}
	for _, run := range running {
		tenants[run.TenantID] = true
		interval := evalInterval(run)
		if last, ok := s.lastStopEval[run.ID]; ok && now.Sub(last) < interval {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, run.TenantID, run.ID, contracts.JobStopEval, nil); err != nil {
			return err
		}
		s.lastStopEval[run.ID] = now
	}

	for tenantID := range tenants {
		if last, ok := s.lastMetaSync[tenantID]; ok && now.Sub(last) < s.metaCadence {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, tenantID, "", contracts.JobMetaSync, nil); err != nil {
			return err
		}
		s.lastMetaSync[tenantID] = now
	}

	completed, err := s.stores.Runs.ListByStatus(ctx, contracts.RunCompleted)
	if err != nil {
		return err
	}
	for _, run := range completed {
		if s.reported[run.ID] {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, run.TenantID, run.ID, contracts.JobReport, nil); err != nil {
			return err
		}
		s.reported[run.ID] = true
	}
	return nil
}

func evalInterval(run *contracts.Run) time.Duration {
	if len(run.StopRulesJSON) > 0 {
		var doc struct {
			EvaluationIntervalSec int `json:"evaluation_interval_sec"`
		}
		if err := json.Unmarshal(run.StopRulesJSON, &doc); err == nil &&
			doc.EvaluationIntervalSec > 0 {
			return time.Duration(doc.EvaluationIntervalSec) * time.Second
		}
	}
	return defaultEvalInterval
}
