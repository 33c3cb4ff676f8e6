package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

// ErrPreflight wraps failed preflight checks; callers unwrap the check list
// from the typed error.
var ErrPreflight = errors.New("lifecycle: preflight failed")

// PreflightError carries the individual failed checks.
type PreflightError struct {
	Checks []Check
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("lifecycle: preflight failed: %d check(s)", len(e.Checks))
}

func (e *PreflightError) Unwrap() error { return ErrPreflight }

// Manager applies guarded transitions. Concurrency safety comes from the
// store's compare-and-set, not from in-process locks.
type Manager struct {
	runs  repo.RunRepo
	audit *audit.Recorder
	clock ulid.Clock
	log   *slog.Logger
}

// NewManager wires a Manager.
func NewManager(runs repo.RunRepo, rec *audit.Recorder, clock ulid.Clock, log *slog.Logger) *Manager {
	return &Manager{runs: runs, audit: rec, clock: clock, log: log}
}

// TransitionRequest identifies one attempted state change.
type TransitionRequest struct {
	TenantID  string
	RunID     string
	To        contracts.RunStatus
	UserID    string
	RequestID string
	Meta      map[string]string
}

// Transition validates and applies one state change, emitting the state
// change event into the audit chain. A lost CAS race surfaces as
// repo.ErrConflict.
func (m *Manager) Transition(ctx context.Context, req TransitionRequest) (*contracts.StateChange, error) {
	run, err := m.runs.Get(ctx, req.TenantID, req.RunID)
	if err != nil {
		return nil, err
	}

	ok, checks := ValidateTransition(run, req.To)
	if !ok {
		return nil, &PreflightError{Checks: checks}
	}
	for _, c := range checks {
		m.log.Warn("transition preflight warning",
			"run_id", run.ID, "to", req.To, "code", c.Code, "message", c.Message)
	}

	now := m.clock.Now()
	if err := m.runs.CompareAndSetStatus(ctx, req.TenantID, req.RunID, run.Status, req.To, now); err != nil {
		return nil, err
	}

	change := &contracts.StateChange{
		RunID:  run.ID,
		From:   run.Status,
		To:     req.To,
		Mode:   run.Mode,
		UserID: req.UserID,
		At:     now,
		Meta:   req.Meta,
	}
	if _, err := m.audit.Log(ctx, req.TenantID, audit.Record{
		Actor:      req.UserID,
		Action:     "run.transition",
		TargetType: "run",
		TargetID:   run.ID,
		Before:     map[string]string{"status": string(run.Status)},
		After:      map[string]string{"status": string(req.To)},
		RequestID:  req.RequestID,
	}); err != nil {
		// The transition is already committed; losing the audit write is a
		// loud failure, not a rollback.
		m.log.Error("audit write failed after transition",
			"run_id", run.ID, "to", req.To, "error", err)
		return nil, fmt.Errorf("lifecycle: audit: %w", err)
	}

	m.log.Info("run transitioned",
		"run_id", run.ID, "from", run.Status, "to", req.To, "mode", run.Mode, "user_id", req.UserID)
	return change, nil
}
