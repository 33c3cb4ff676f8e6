// Package incident records correctness events and applies their side-effects:
// pausing affected runs and notifying operators.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/notify"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

// ErrNotOpen rejects resolution of an already-resolved incident.
var ErrNotOpen = errors.New("incident: not open")

// Manager creates and resolves incidents.
type Manager struct {
	stores   *repo.Stores
	notifier *notify.Notifier
	audit    *audit.Recorder
	ids      *ulid.Factory
	clock    ulid.Clock
	log      *slog.Logger
}

func NewManager(stores *repo.Stores, notifier *notify.Notifier, rec *audit.Recorder, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Manager {
	return &Manager{stores: stores, notifier: notifier, audit: rec, ids: ids, clock: clock, log: log}
}

// CreateRequest describes a new incident.
type CreateRequest struct {
	RunID       string
	Kind        contracts.IncidentKind
	Severity    contracts.Severity
	Title       string
	Description string
	TriggeredBy string

	Actor     string
	RequestID string
}

// Create records the incident, pauses the run when the auto-pause rules say
// so, and notifies. The pause is a side-effect: its failure is reported but
// the incident row stays.
func (m *Manager) Create(ctx context.Context, tenantID string, req CreateRequest) (*contracts.Incident, error) {
	now := m.clock.Now()
	id, err := m.ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("incident: id: %w", err)
	}
	inc := &contracts.Incident{
		ID:          string(id),
		TenantID:    tenantID,
		RunID:       req.RunID,
		Kind:        req.Kind,
		Severity:    req.Severity,
		Status:      contracts.IncidentOpen,
		Title:       req.Title,
		Description: req.Description,
		TriggeredBy: req.TriggeredBy,
		CreatedAt:   now,
	}
	if err := m.stores.Incidents.Create(ctx, inc); err != nil {
		return nil, err
	}

	if _, err := m.audit.Log(ctx, tenantID, audit.Record{
		Actor:      req.Actor,
		Action:     "incident.create",
		TargetType: "incident",
		TargetID:   inc.ID,
		After:      inc,
		RequestID:  req.RequestID,
	}); err != nil {
		return nil, err
	}

	if req.RunID != "" && shouldAutoPause(req.Kind, req.Severity) {
		if err := m.pauseRun(ctx, tenantID, req.RunID, now); err != nil {
			m.log.Error("incident auto-pause failed",
				"tenant_id", tenantID, "run_id", req.RunID,
				"incident_id", inc.ID, "error", err)
		}
	}

	m.notifier.Send(ctx, notify.Message{
		Kind:     notify.KindIncident,
		TenantID: tenantID,
		RunID:    req.RunID,
		Title:    fmt.Sprintf("[%s] %s", req.Severity, req.Title),
		Body:     req.Description,
		Meta:     map[string]string{"incident_id": inc.ID, "kind": string(req.Kind)},
		At:       now,
	})
	return inc, nil
}

// shouldAutoPause implements the creation side-effect rules: meta_rejected
// always pauses; account issues and API outages pause at severity high and
// above.
func shouldAutoPause(kind contracts.IncidentKind, sev contracts.Severity) bool {
	switch kind {
	case contracts.IncidentMetaRejected:
		return true
	case contracts.IncidentMetaAccountIssue, contracts.IncidentAPIOutage:
		return sev.AtLeast(contracts.SeverityHigh)
	}
	return false
}

func (m *Manager) pauseRun(ctx context.Context, tenantID, runID string, at time.Time) error {
	run, err := m.stores.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status != contracts.RunRunning {
		return nil
	}
	return m.stores.Runs.CompareAndSetStatus(ctx, tenantID, runID,
		contracts.RunRunning, contracts.RunPaused, at)
}

// ResolveRequest closes an incident.
type ResolveRequest struct {
	IncidentID     string
	PreventionMemo string
	// FeedNGRules opts into recording the memo as a blocked pattern on the
	// project. Never automatic.
	FeedNGRules bool
	ProjectID   string

	Actor     string
	RequestID string
}

// Resolve marks the incident resolved and optionally feeds the prevention
// memo into the project NG rules.
func (m *Manager) Resolve(ctx context.Context, tenantID string, req ResolveRequest) (*contracts.Incident, error) {
	inc, err := m.stores.Incidents.Get(ctx, tenantID, req.IncidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status == contracts.IncidentResolved {
		return nil, ErrNotOpen
	}

	before := *inc
	now := m.clock.Now()
	inc.Status = contracts.IncidentResolved
	inc.ResolvedAt = &now
	inc.PreventionMemo = req.PreventionMemo
	if err := m.stores.Incidents.Update(ctx, inc); err != nil {
		return nil, err
	}

	if req.FeedNGRules && req.PreventionMemo != "" && req.ProjectID != "" {
		if err := m.appendBlockedPattern(ctx, tenantID, req.ProjectID, req.PreventionMemo); err != nil {
			return nil, fmt.Errorf("incident: feed ng rules: %w", err)
		}
	}

	if _, err := m.audit.Log(ctx, tenantID, audit.Record{
		Actor:      req.Actor,
		Action:     "incident.resolve",
		TargetType: "incident",
		TargetID:   inc.ID,
		Before:     &before,
		After:      inc,
		RequestID:  req.RequestID,
	}); err != nil {
		return nil, err
	}
	return inc, nil
}

func (m *Manager) appendBlockedPattern(ctx context.Context, tenantID, projectID, pattern string) error {
	p, err := m.stores.Projects.Get(ctx, tenantID, projectID)
	if err != nil {
		return err
	}
	for _, existing := range p.NGRules.BlockedPatterns {
		if existing == pattern {
			return nil
		}
	}
	p.NGRules.BlockedPatterns = append(p.NGRules.BlockedPatterns, pattern)
	p.UpdatedAt = m.clock.Now()
	return m.stores.Projects.Update(ctx, p)
}
