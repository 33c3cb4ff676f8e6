package flags

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

func newService(t *testing.T) (*Service, *repo.Stores) {
	t.Helper()
	stores := memory.New()
	clock := ulid.FixedClock{T: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	rec := audit.NewRecorder(stores.Audit, ulid.NewFactory(), clock)
	return NewService(stores, rec, clock, slog.Default()), stores
}

func seedRun(t *testing.T, stores *repo.Stores, id string, status contracts.RunStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, stores.Runs.Create(ctx, &contracts.Run{
		ID: id, TenantID: "t1", ProjectID: "p1", Name: id,
		Mode: contracts.ModeManual, Status: status,
	}))
}

func ownerUpdate(key, value string) UpdateRequest {
	return UpdateRequest{Key: key, Value: value, Actor: "u1", Role: contracts.RoleOwner, RequestID: "req-1"}
}

func TestDefaultsAndUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	v, err := s.Get(ctx, "t1", contracts.FlagDBBackend)
	require.NoError(t, err)
	require.Equal(t, BackendPrimary, v)

	_, err = s.Update(ctx, "t1", ownerUpdate(contracts.FlagDBBackend, BackendSecondary))
	require.NoError(t, err)

	v, err = s.Get(ctx, "t1", contracts.FlagDBBackend)
	require.NoError(t, err)
	require.Equal(t, BackendSecondary, v)

	all, err := s.List(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, BackendSecondary, all[contracts.FlagDBBackend])
	require.Equal(t, "false", all[contracts.FlagMetaAPIEnabled])
}

func TestUpdateValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	_, err := s.Update(ctx, "t1", ownerUpdate("not_a_flag", "x"))
	require.ErrorIs(t, err, ErrUnknownKey)

	_, err = s.Update(ctx, "t1", ownerUpdate(contracts.FlagDBBackend, "tertiary"))
	require.ErrorIs(t, err, ErrInvalidValue)

	req := ownerUpdate(contracts.FlagDBBackend, BackendSecondary)
	req.Role = contracts.RoleOperator
	_, err = s.Update(ctx, "t1", req)
	require.ErrorIs(t, err, ErrForbidden)

	// Operators may flip non-sensitive feature toggles.
	req = ownerUpdate(contracts.FlagFeatureQA, "false")
	req.Role = contracts.RoleOperator
	_, err = s.Update(ctx, "t1", req)
	require.NoError(t, err)
}

func TestBackendSwitchBlockedByActiveRuns(t *testing.T) {
	ctx := context.Background()
	s, stores := newService(t)
	require.NoError(t, stores.Projects.Create(ctx, &contracts.Project{ID: "p1", TenantID: "t1", Name: "p"}))
	seedRun(t, stores, "RUN1", contracts.RunRunning)

	_, err := s.Update(ctx, "t1", ownerUpdate(contracts.FlagDBBackend, BackendSecondary))
	require.ErrorIs(t, err, ErrRunsActive)

	// Non-backend flags are unaffected by run activity.
	_, err = s.Update(ctx, "t1", ownerUpdate(contracts.FlagMetaAPIEnabled, "true"))
	require.NoError(t, err)

	// Once the run completes, the switch goes through.
	require.NoError(t, stores.Runs.CompareAndSetStatus(ctx, "t1", "RUN1",
		contracts.RunRunning, contracts.RunCompleted, time.Now()))
	_, err = s.Update(ctx, "t1", ownerUpdate(contracts.FlagDBBackend, BackendSecondary))
	require.NoError(t, err)
}

func TestRunOverrideStatusGate(t *testing.T) {
	ctx := context.Background()
	s, stores := newService(t)
	seedRun(t, stores, "DRAFT", contracts.RunDraft)
	seedRun(t, stores, "LIVE", contracts.RunLive)

	run, err := s.OverrideRun(ctx, "t1", "DRAFT", ownerUpdate(contracts.FlagDBBackend, BackendSecondary))
	require.NoError(t, err)
	require.Equal(t, BackendSecondary, run.Flags[contracts.FlagDBBackend])

	_, err = s.OverrideRun(ctx, "t1", "LIVE", ownerUpdate(contracts.FlagDBBackend, BackendSecondary))
	require.ErrorIs(t, err, ErrRunNotOverridable)
}

func TestResolvePrecedence(t *testing.T) {
	ctx := context.Background()
	s, stores := newService(t)
	seedRun(t, stores, "RUN1", contracts.RunDraft)

	run, err := stores.Runs.Get(ctx, "t1", "RUN1")
	require.NoError(t, err)

	// Default when neither tenant nor run says anything.
	v, err := s.Resolve(ctx, run, contracts.FlagDBBackend)
	require.NoError(t, err)
	require.Equal(t, BackendPrimary, v)

	// Tenant flag beats the default.
	_, err = s.Update(ctx, "t1", ownerUpdate(contracts.FlagDBBackend, BackendSecondary))
	require.NoError(t, err)
	v, err = s.Resolve(ctx, run, contracts.FlagDBBackend)
	require.NoError(t, err)
	require.Equal(t, BackendSecondary, v)

	// Run override beats the tenant flag.
	run, err = s.OverrideRun(ctx, "t1", "RUN1", ownerUpdate(contracts.FlagDBBackend, BackendPrimary))
	require.NoError(t, err)
	v, err = s.Resolve(ctx, run, contracts.FlagDBBackend)
	require.NoError(t, err)
	require.Equal(t, BackendPrimary, v)
}

func TestUpdateWritesAudit(t *testing.T) {
	ctx := context.Background()
	s, stores := newService(t)

	_, err := s.Update(ctx, "t1", ownerUpdate(contracts.FlagFeatureQA, "false"))
	require.NoError(t, err)

	entries, err := stores.Audit.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "flag.update", entries[0].Action)
	require.Equal(t, contracts.FlagFeatureQA, entries[0].TargetID)
}
