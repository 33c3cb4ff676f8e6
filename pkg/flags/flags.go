// Package flags manages per-tenant feature flags and backend routing. The
// db_backend flag drives store selection per request; switching it is gated
// on run activity so a migration never races a live experiment.
package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

var (
	// ErrForbidden means the caller's role may not change this flag.
	ErrForbidden = errors.New("flags: forbidden")
	// ErrUnknownKey rejects flag keys outside the well-known set.
	ErrUnknownKey = errors.New("flags: unknown key")
	// ErrInvalidValue rejects values outside the key's domain.
	ErrInvalidValue = errors.New("flags: invalid value")
	// ErrRunsActive blocks a tenant-wide backend switch while runs are in
	// flight.
	ErrRunsActive = errors.New("flags: active runs block backend switch")
	// ErrRunNotOverridable blocks a run-level override outside the quiet
	// statuses.
	ErrRunNotOverridable = errors.New("flags: run status forbids override")
)

// Backend names for the db_backend flag. The repo router consults the same
// values when picking a store per call.
const (
	BackendPrimary   = contracts.DBBackendPrimary
	BackendSecondary = contracts.DBBackendSecondary
)

// validValues constrains the well-known keys; keys mapping to nil accept any
// non-empty value.
var validValues = map[string][]string{
	contracts.FlagDBBackend:            {BackendPrimary, BackendSecondary},
	contracts.FlagOperationModeDefault: {string(contracts.ModeManual), string(contracts.ModeHybrid), string(contracts.ModeAuto)},
	contracts.FlagFeatureGeneration:    {"true", "false"},
	contracts.FlagFeatureQA:            {"true", "false"},
	contracts.FlagMetaAPIEnabled:       {"true", "false"},
}

// overridableStatuses are the run states in which a run-level flag override
// is allowed. A run that is generating, under review, publishing or serving
// traffic keeps its routing frozen.
var overridableStatuses = map[contracts.RunStatus]bool{
	contracts.RunDraft:     true,
	contracts.RunDesigning: true,
	contracts.RunCompleted: true,
	contracts.RunArchived:  true,
}

// blockingStatuses forbid a tenant-wide db_backend switch while any run of
// the tenant is in one of them.
var blockingStatuses = []contracts.RunStatus{
	contracts.RunPublishing,
	contracts.RunLive,
	contracts.RunRunning,
}

// Service reads and mutates tenant flags.
type Service struct {
	stores *repo.Stores
	audit  *audit.Recorder
	clock  ulid.Clock
	log    *slog.Logger
}

func NewService(stores *repo.Stores, rec *audit.Recorder, clock ulid.Clock, log *slog.Logger) *Service {
	return &Service{stores: stores, audit: rec, clock: clock, log: log}
}

// Defaults applied when a tenant has no explicit row for a key.
var defaults = map[string]string{
	contracts.FlagDBBackend:            BackendPrimary,
	contracts.FlagOperationModeDefault: string(contracts.ModeManual),
	contracts.FlagFeatureGeneration:    "true",
	contracts.FlagFeatureQA:            "true",
	contracts.FlagMetaAPIEnabled:       "false",
}

// Get returns the effective value for a key, falling back to the default.
func (s *Service) Get(ctx context.Context, tenantID, key string) (string, error) {
	if _, ok := validValues[key]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	f, err := s.stores.Flags.Get(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return defaults[key], nil
		}
		return "", err
	}
	return f.Value, nil
}

// List returns every well-known key with its effective value.
func (s *Service) List(ctx context.Context, tenantID string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range defaults {
		out[k] = v
	}
	rows, err := s.stores.Flags.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, f := range rows {
		out[f.Key] = f.Value
	}
	return out, nil
}

// UpdateRequest sets one tenant flag.
type UpdateRequest struct {
	Key       string
	Value     string
	Actor     string
	Role      contracts.Role
	RequestID string
}

// Update validates and writes a tenant-wide flag. A db_backend switch is
// refused while any run of the tenant is publishing, live or running.
func (s *Service) Update(ctx context.Context, tenantID string, req UpdateRequest) (*contracts.TenantFlag, error) {
	if err := validate(req.Key, req.Value); err != nil {
		return nil, err
	}
	if !rbac.CanUpdateFlag(req.Role, req.Key) {
		return nil, fmt.Errorf("%w: role %s cannot update %s", ErrForbidden, req.Role, req.Key)
	}
	if req.Key == contracts.FlagDBBackend {
		blocked, err := s.hasActiveRuns(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, ErrRunsActive
		}
	}

	var before any
	if prev, err := s.stores.Flags.Get(ctx, tenantID, req.Key); err == nil {
		before = prev
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	f := &contracts.TenantFlag{
		TenantID:  tenantID,
		Key:       req.Key,
		Value:     req.Value,
		UpdatedBy: req.Actor,
		UpdatedAt: s.clock.Now(),
	}
	if err := s.stores.Flags.Upsert(ctx, f); err != nil {
		return nil, err
	}

	if _, err := s.audit.Log(ctx, tenantID, audit.Record{
		Actor:      req.Actor,
		Action:     "flag.update",
		TargetType: "tenant_flag",
		TargetID:   req.Key,
		Before:     before,
		After:      f,
		RequestID:  req.RequestID,
	}); err != nil {
		return nil, err
	}
	s.log.Info("tenant flag updated",
		"tenant_id", tenantID, "key", req.Key, "value", req.Value, "actor", req.Actor)
	return f, nil
}

// OverrideRun sets a run-level flag override. Only quiet run statuses accept
// one; everything in the publish-to-running window keeps its routing frozen.
func (s *Service) OverrideRun(ctx context.Context, tenantID, runID string, req UpdateRequest) (*contracts.Run, error) {
	if err := validate(req.Key, req.Value); err != nil {
		return nil, err
	}
	if !rbac.CanUpdateFlag(req.Role, req.Key) {
		return nil, fmt.Errorf("%w: role %s cannot update %s", ErrForbidden, req.Role, req.Key)
	}
	run, err := s.stores.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if !overridableStatuses[run.Status] {
		return nil, fmt.Errorf("%w: %s", ErrRunNotOverridable, run.Status)
	}

	before := *run
	if run.Flags == nil {
		run.Flags = map[string]string{}
	}
	run.Flags[req.Key] = req.Value
	if err := s.stores.Runs.Update(ctx, run); err != nil {
		return nil, err
	}

	if _, err := s.audit.Log(ctx, tenantID, audit.Record{
		Actor:      req.Actor,
		Action:     "flag.override_run",
		TargetType: "run",
		TargetID:   runID,
		Before:     &before,
		After:      run,
		RequestID:  req.RequestID,
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// Resolve returns the effective value for a key in the context of a run:
// run-level override first, then the tenant flag, then the default.
func (s *Service) Resolve(ctx context.Context, run *contracts.Run, key string) (string, error) {
	if run != nil {
		if v, ok := run.Flags[key]; ok {
			return v, nil
		}
	}
	tenantID := ""
	if run != nil {
		tenantID = run.TenantID
	}
	return s.Get(ctx, tenantID, key)
}

// hasActiveRuns reports whether any run of the tenant is in a blocking
// status. The scan walks the tenant's projects so it stays tenant-scoped.
func (s *Service) hasActiveRuns(ctx context.Context, tenantID string) (bool, error) {
	projects, err := s.stores.Projects.ListByTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	for _, p := range projects {
		runs, err := s.stores.Runs.ListByProject(ctx, tenantID, p.ID)
		if err != nil {
			return false, err
		}
		for _, r := range runs {
			for _, st := range blockingStatuses {
				if r.Status == st {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func validate(key, value string) error {
	allowed, ok := validValues[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	for _, v := range allowed {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("%w: %s=%s", ErrInvalidValue, key, value)
}
