package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

var allStatuses = []contracts.RunStatus{
	contracts.RunDraft, contracts.RunDesigning, contracts.RunGenerating,
	contracts.RunReadyForReview, contracts.RunApproved, contracts.RunPublishing,
	contracts.RunLive, contracts.RunRunning, contracts.RunPaused,
	contracts.RunCompleted, contracts.RunArchived,
}

func TestTransitionTableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	properties.Property("IsValidTransition iff to in ValidNextStatuses", prop.ForAll(
		func(fi, ti int) bool {
			from, to := allStatuses[fi], allStatuses[ti]
			inNext := false
			for _, s := range ValidNextStatuses(from) {
				if s == to {
					inNext = true
				}
			}
			return IsValidTransition(from, to) == inNext
		},
		gen.IntRange(0, len(allStatuses)-1),
		gen.IntRange(0, len(allStatuses)-1),
	))
	properties.TestingRun(t)
}

func TestArchivedHasNoSuccessors(t *testing.T) {
	require.Empty(t, ValidNextStatuses(contracts.RunArchived))
}

func TestStatusHelpers(t *testing.T) {
	require.True(t, IsActive(contracts.RunLive))
	require.True(t, IsActive(contracts.RunRunning))
	require.False(t, IsActive(contracts.RunPaused))

	require.True(t, IsTerminal(contracts.RunCompleted))
	require.True(t, IsTerminal(contracts.RunArchived))
	require.False(t, IsTerminal(contracts.RunRunning))

	require.True(t, IsEditable(contracts.RunDraft))
	require.True(t, IsEditable(contracts.RunReadyForReview))
	require.False(t, IsEditable(contracts.RunApproved))
	require.False(t, IsEditable(contracts.RunLive))
}

const validStopRules = `{
	"version": "1.0.0",
	"rules": [
		{"id": "daily", "type": "spend_daily_cap", "enabled": true,
		 "threshold": 5000, "action": "pause_run", "severity": "high"}
	]
}`

func findCheck(checks []Check, code CheckCode) *Check {
	for i := range checks {
		if checks[i].Code == code {
			return &checks[i]
		}
	}
	return nil
}

func TestValidateTransitionHappyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	budget := 10000.0
	run := &contracts.Run{
		ID: "run_1", TenantID: "t1", Mode: contracts.ModeAuto,
		Status: contracts.RunDraft,
	}

	for _, to := range []contracts.RunStatus{
		contracts.RunDesigning, contracts.RunGenerating, contracts.RunReadyForReview,
	} {
		ok, checks := ValidateTransition(run, to)
		require.True(t, ok, "to %s: %v", to, checks)
		run.Status = to
	}

	// The edge to approved is table-valid, but it only acknowledges a
	// recorded review; without the stamp it is refused.
	ok, checks := ValidateTransition(run, contracts.RunApproved)
	require.False(t, ok)
	require.NotNil(t, findCheck(checks, CodeNotApproved))

	run.ApprovedAt = &now
	ok, checks = ValidateTransition(run, contracts.RunApproved)
	require.True(t, ok, "%v", checks)
	run.Status = contracts.RunApproved

	// Publishing without budget or stop rules collects both.
	ok, checks = ValidateTransition(run, contracts.RunPublishing)
	require.False(t, ok)
	require.NotNil(t, findCheck(checks, CodeBudgetNotSet))
	require.NotNil(t, findCheck(checks, CodeStopRulesNotSet))

	run.BudgetCap = &budget
	run.StopRulesJSON = json.RawMessage(validStopRules)
	ok, checks = ValidateTransition(run, contracts.RunPublishing)
	require.True(t, ok, "%v", checks)
}

func TestApprovedRequiresRecordedApproval(t *testing.T) {
	run := &contracts.Run{
		ID: "run_1", TenantID: "t1", Mode: contracts.ModeAuto,
		Status: contracts.RunReadyForReview,
	}

	ok, checks := ValidateTransition(run, contracts.RunApproved)
	require.False(t, ok)
	c := findCheck(checks, CodeNotApproved)
	require.NotNil(t, c)
	require.Equal(t, CheckError, c.Severity)
}

func TestLaunchPolicyGate(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	budget := 500.0
	run := &contracts.Run{
		ID: "run_1", Mode: contracts.ModeAuto, Status: contracts.RunApproved,
		ApprovedAt: &now, BudgetCap: &budget,
		StopRulesJSON: json.RawMessage(validStopRules),
		DecisionRulesJSON: json.RawMessage(
			`{"launch_policy_cel": "budget_cap >= 1000.0 && rule_count >= 1"}`),
	}

	ok, checks := ValidateTransition(run, contracts.RunPublishing)
	require.False(t, ok)
	require.NotNil(t, findCheck(checks, CodeLaunchPolicyDenied))

	big := 5000.0
	run.BudgetCap = &big
	ok, checks = ValidateTransition(run, contracts.RunPublishing)
	require.True(t, ok, "%v", checks)

	// A policy that does not compile blocks the same way.
	run.DecisionRulesJSON = json.RawMessage(`{"launch_policy_cel": "budget_cap >="}`)
	ok, checks = ValidateTransition(run, contracts.RunPublishing)
	require.False(t, ok)
	require.NotNil(t, findCheck(checks, CodeLaunchPolicyInvalid))
}

func TestValidateTransitionInvalidEdge(t *testing.T) {
	run := &contracts.Run{Status: contracts.RunDraft}
	ok, checks := ValidateTransition(run, contracts.RunLive)
	require.False(t, ok)
	require.Len(t, checks, 1)
	require.Equal(t, CodeInvalidTransition, checks[0].Code)
}

func TestManualModeChecklistGate(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	budget := 10000.0
	run := &contracts.Run{
		ID: "run_1", Mode: contracts.ModeManual, Status: contracts.RunLive,
		ApprovedAt: &now, BudgetCap: &budget,
		StopRulesJSON: json.RawMessage(validStopRules),
		Checklist:     DefaultChecklist(),
	}

	ok, checks := ValidateTransition(run, contracts.RunRunning)
	require.False(t, ok)
	require.NotNil(t, findCheck(checks, CodeChecklistIncomplete))

	for i := range run.Checklist {
		run.Checklist[i].Completed = true
	}
	ok, checks = ValidateTransition(run, contracts.RunRunning)
	require.True(t, ok, "%v", checks)
}

func TestManualModeEmptyStopRulesIsWarningAtPublishing(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	budget := 10000.0
	run := &contracts.Run{
		ID: "run_1", Mode: contracts.ModeManual, Status: contracts.RunApproved,
		ApprovedAt: &now, BudgetCap: &budget,
	}

	ok, checks := ValidateTransition(run, contracts.RunPublishing)
	require.True(t, ok)
	c := findCheck(checks, CodeStopRulesNotSet)
	require.NotNil(t, c)
	require.Equal(t, CheckWarning, c.Severity)

	// Auto mode blocks on the same condition.
	run.Mode = contracts.ModeAuto
	ok, checks = ValidateTransition(run, contracts.RunPublishing)
	require.False(t, ok)
	require.Equal(t, CheckError, findCheck(checks, CodeStopRulesNotSet).Severity)
}

func TestBudgetFromDesignDocument(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	run := &contracts.Run{
		ID: "run_1", Mode: contracts.ModeAuto, Status: contracts.RunApproved,
		ApprovedAt:    &now,
		DesignJSON:    json.RawMessage(`{"version":"1.0.0","daily_budget":3000}`),
		StopRulesJSON: json.RawMessage(validStopRules),
	}
	ok, checks := ValidateTransition(run, contracts.RunPublishing)
	require.True(t, ok, "%v", checks)
}

func newTestManager(t *testing.T) (*Manager, *repo.Stores) {
	t.Helper()
	stores := memory.New()
	clock := ulid.FixedClock{T: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rec := audit.NewRecorder(stores.Audit, ulid.NewFactory(), clock)
	return NewManager(stores.Runs, rec, clock, slog.Default()), stores
}

func TestManagerTransitionRecordsAudit(t *testing.T) {
	ctx := context.Background()
	m, stores := newTestManager(t)

	require.NoError(t, stores.Runs.Create(ctx, &contracts.Run{
		ID: "run_1", TenantID: "t1", Mode: contracts.ModeAuto, Status: contracts.RunDraft,
	}))

	change, err := m.Transition(ctx, TransitionRequest{
		TenantID: "t1", RunID: "run_1", To: contracts.RunDesigning, UserID: "user_1",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.RunDraft, change.From)
	require.Equal(t, contracts.RunDesigning, change.To)

	got, err := stores.Runs.Get(ctx, "t1", "run_1")
	require.NoError(t, err)
	require.Equal(t, contracts.RunDesigning, got.Status)

	entries, err := stores.Audit.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "run.transition", entries[0].Action)
	require.Equal(t, "run_1", entries[0].TargetID)
}

func TestManagerApprovalStampGate(t *testing.T) {
	ctx := context.Background()
	m, stores := newTestManager(t)

	require.NoError(t, stores.Runs.Create(ctx, &contracts.Run{
		ID: "run_1", TenantID: "t1", Mode: contracts.ModeAuto, Status: contracts.RunDraft,
	}))

	for _, to := range []contracts.RunStatus{
		contracts.RunDesigning, contracts.RunGenerating, contracts.RunReadyForReview,
	} {
		_, err := m.Transition(ctx, TransitionRequest{
			TenantID: "t1", RunID: "run_1", To: to, UserID: "user_1",
		})
		require.NoError(t, err, "to %s", to)
	}

	_, err := m.Transition(ctx, TransitionRequest{
		TenantID: "t1", RunID: "run_1", To: contracts.RunApproved, UserID: "user_1",
	})
	var pf *PreflightError
	require.ErrorAs(t, err, &pf)
	require.NotNil(t, findCheck(pf.Checks, CodeNotApproved))

	// Once a reviewer's stamp lands, the same transition goes through.
	run, err := stores.Runs.Get(ctx, "t1", "run_1")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run.ApprovedAt = &now
	require.NoError(t, stores.Runs.Update(ctx, run))

	change, err := m.Transition(ctx, TransitionRequest{
		TenantID: "t1", RunID: "run_1", To: contracts.RunApproved, UserID: "user_1",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.RunApproved, change.To)
}

func TestManagerPreflightBlocks(t *testing.T) {
	ctx := context.Background()
	m, stores := newTestManager(t)

	require.NoError(t, stores.Runs.Create(ctx, &contracts.Run{
		ID: "run_1", TenantID: "t1", Mode: contracts.ModeAuto, Status: contracts.RunApproved,
	}))

	_, err := m.Transition(ctx, TransitionRequest{
		TenantID: "t1", RunID: "run_1", To: contracts.RunPublishing, UserID: "user_1",
	})
	var pf *PreflightError
	require.ErrorAs(t, err, &pf)
	require.NotNil(t, findCheck(pf.Checks, CodeNotApproved))

	// Blocked transition writes nothing.
	got, err := stores.Runs.Get(ctx, "t1", "run_1")
	require.NoError(t, err)
	require.Equal(t, contracts.RunApproved, got.Status)
	entries, err := stores.Audit.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, entries)
}
