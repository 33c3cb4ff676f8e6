package contracts

import (
	"encoding/json"
	"time"
)

// JobType names an asynchronous work item kind.
type JobType string

const (
	JobGenerate    JobType = "generate"
	JobQASmoke     JobType = "qa_smoke"
	JobPublish     JobType = "publish"
	JobMetaSync    JobType = "meta_sync"
	JobStopEval    JobType = "stop_eval"
	JobReport      JobType = "report"
	JobNotify      JobType = "notify"
	JobImportParse JobType = "import_parse"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobGenerate, JobQASmoke, JobPublish, JobMetaSync,
		JobStopEval, JobReport, JobNotify, JobImportParse:
		return true
	}
	return false
}

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunningS  JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// DefaultMaxAttempts bounds retries unless the enqueuer overrides it.
const DefaultMaxAttempts = 3

// Job is a durable async work item with at-least-once semantics. Handlers
// must be idempotent on (ID, Attempts).
type Job struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	RunID       string          `json:"run_id,omitempty"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}
