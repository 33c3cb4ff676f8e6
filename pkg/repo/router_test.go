package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
)

func newRoutedStores(t *testing.T) (routed, primary, secondary *repo.Stores) {
	t.Helper()
	primary = memory.New()
	secondary = memory.New()
	return repo.NewRouter(primary, secondary), primary, secondary
}

func setBackend(t *testing.T, primary *repo.Stores, tenantID, backend string) {
	t.Helper()
	require.NoError(t, primary.Flags.Upsert(context.Background(), &contracts.TenantFlag{
		TenantID: tenantID,
		Key:      contracts.FlagDBBackend,
		Value:    backend,
	}))
}

func TestRouterSplitsTenantsByFlag(t *testing.T) {
	ctx := context.Background()
	routed, primary, secondary := newRoutedStores(t)
	setBackend(t, primary, "t2", contracts.DBBackendSecondary)

	require.NoError(t, routed.Projects.Create(ctx, &contracts.Project{ID: "p1", TenantID: "t1"}))
	require.NoError(t, routed.Projects.Create(ctx, &contracts.Project{ID: "p2", TenantID: "t2"}))

	// Each tenant's row landed only on its flagged backend.
	_, err := primary.Projects.Get(ctx, "t1", "p1")
	require.NoError(t, err)
	_, err = secondary.Projects.Get(ctx, "t1", "p1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = secondary.Projects.Get(ctx, "t2", "p2")
	require.NoError(t, err)
	_, err = primary.Projects.Get(ctx, "t2", "p2")
	require.ErrorIs(t, err, repo.ErrNotFound)

	// Reads through the router find both.
	for _, tc := range []struct{ tenant, id string }{{"t1", "p1"}, {"t2", "p2"}} {
		got, err := routed.Projects.Get(ctx, tc.tenant, tc.id)
		require.NoError(t, err)
		require.Equal(t, tc.id, got.ID)
	}
}

func TestRouterConsultsFlagPerCall(t *testing.T) {
	ctx := context.Background()
	routed, primary, _ := newRoutedStores(t)
	setBackend(t, primary, "t1", contracts.DBBackendSecondary)

	require.NoError(t, routed.Projects.Create(ctx, &contracts.Project{ID: "p1", TenantID: "t1"}))
	_, err := routed.Projects.Get(ctx, "t1", "p1")
	require.NoError(t, err)

	// Flipping the flag redirects the very next read; no restart involved.
	setBackend(t, primary, "t1", contracts.DBBackendPrimary)
	_, err = routed.Projects.Get(ctx, "t1", "p1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRouterControlDataStaysPrimary(t *testing.T) {
	ctx := context.Background()
	routed, primary, secondary := newRoutedStores(t)
	setBackend(t, primary, "t1", contracts.DBBackendSecondary)

	require.NoError(t, routed.Tenants.Create(ctx, &contracts.Tenant{ID: "t1"}))
	require.NoError(t, routed.Flags.Upsert(ctx, &contracts.TenantFlag{
		TenantID: "t1", Key: contracts.FlagFeatureQA, Value: "false",
	}))

	_, err := primary.Tenants.Get(ctx, "t1")
	require.NoError(t, err)
	_, err = secondary.Tenants.Get(ctx, "t1")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = primary.Flags.Get(ctx, "t1", contracts.FlagFeatureQA)
	require.NoError(t, err)
}

func TestRouterListByStatusMergesBackends(t *testing.T) {
	ctx := context.Background()
	routed, primary, _ := newRoutedStores(t)
	setBackend(t, primary, "t2", contracts.DBBackendSecondary)

	require.NoError(t, routed.Runs.Create(ctx, &contracts.Run{ID: "run_1", TenantID: "t1", Status: contracts.RunRunning}))
	require.NoError(t, routed.Runs.Create(ctx, &contracts.Run{ID: "run_2", TenantID: "t2", Status: contracts.RunRunning}))
	require.NoError(t, routed.Runs.Create(ctx, &contracts.Run{ID: "run_3", TenantID: "t2", Status: contracts.RunDraft}))

	runs, err := routed.Runs.ListByStatus(ctx, contracts.RunRunning)
	require.NoError(t, err)
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	require.ElementsMatch(t, []string{"run_1", "run_2"}, ids)
}

func TestRouterResolveFallsThrough(t *testing.T) {
	ctx := context.Background()
	routed, primary, _ := newRoutedStores(t)
	setBackend(t, primary, "t2", contracts.DBBackendSecondary)

	require.NoError(t, routed.Runs.Create(ctx, &contracts.Run{ID: "run_2", TenantID: "t2", Status: contracts.RunLive}))

	// Resolve has no tenant to route on; the secondary answers after the
	// primary misses.
	run, err := routed.Runs.Resolve(ctx, "run_2")
	require.NoError(t, err)
	require.Equal(t, "t2", run.TenantID)

	_, err = routed.Runs.Resolve(ctx, "run_missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRouterDequeueDrainsBothBackends(t *testing.T) {
	ctx := context.Background()
	routed, primary, _ := newRoutedStores(t)
	setBackend(t, primary, "t2", contracts.DBBackendSecondary)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, routed.Jobs.Create(ctx, &contracts.Job{
		ID: "job_1", TenantID: "t1", Type: contracts.JobStopEval,
		Status: contracts.JobQueued, CreatedAt: base,
	}))
	require.NoError(t, routed.Jobs.Create(ctx, &contracts.Job{
		ID: "job_2", TenantID: "t2", Type: contracts.JobStopEval,
		Status: contracts.JobQueued, CreatedAt: base.Add(time.Minute),
	}))

	first, err := routed.Jobs.DequeueOldest(ctx, contracts.JobStopEval)
	require.NoError(t, err)
	require.Equal(t, "job_1", first.ID)

	second, err := routed.Jobs.DequeueOldest(ctx, contracts.JobStopEval)
	require.NoError(t, err)
	require.Equal(t, "job_2", second.ID)

	_, err = routed.Jobs.DequeueOldest(ctx, contracts.JobStopEval)
	require.ErrorIs(t, err, repo.ErrNotFound)
}
