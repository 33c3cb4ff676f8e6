package sqlstore

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

func newMock(t *testing.T) (*repo.Stores, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func docRow(t *testing.T, v any) *sqlmock.Rows {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{"doc"}).AddRow(string(raw))
}

// docWith matches a doc argument whose JSON contains every given fragment.
type docWith []string

func (d docWith) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, frag := range d {
		if !strings.Contains(s, frag) {
			return false
		}
	}
	return true
}

func TestInitRunsEveryStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	stmts := 0
	for _, s := range strings.Split(schema, ";") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		stmts++
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.Equal(t, 21, stmts)
	require.NoError(t, Init(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunCompareAndSetStatusStampsLaunch(t *testing.T) {
	stores, mock := newMock(t)
	at := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	run := &contracts.Run{ID: "run1", TenantID: "t1", ProjectID: "p1", Status: contracts.RunLive}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM runs WHERE tenant_id = $1 AND id = $2`)).
		WithArgs("t1", "run1").
		WillReturnRows(docRow(t, run))
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("running", docWith{`"status":"running"`, `"launched_at":"2026-06-10T12:00:00Z"`}, "t1", "run1", "live").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := stores.Runs.CompareAndSetStatus(context.Background(), "t1", "run1",
		contracts.RunLive, contracts.RunRunning, at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunCompareAndSetStatusConflict(t *testing.T) {
	stores, mock := newMock(t)
	run := &contracts.Run{ID: "run1", TenantID: "t1", Status: contracts.RunPaused}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT doc FROM runs").WillReturnRows(docRow(t, run))
	mock.ExpectRollback()

	err := stores.Runs.CompareAndSetStatus(context.Background(), "t1", "run1",
		contracts.RunRunning, contracts.RunCompleted, time.Now())
	require.ErrorIs(t, err, repo.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunUpdateKeepsStoredStatus(t *testing.T) {
	stores, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM runs").
		WithArgs("t1", "run1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec("UPDATE runs SET project_id").
		WithArgs("p1", docWith{`"status":"running"`}, "t1", "run1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// The caller holds a stale draft status; the stored one must win.
	err := stores.Runs.Update(context.Background(), &contracts.Run{
		ID: "run1", TenantID: "t1", ProjectID: "p1", Status: contracts.RunDraft,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventInsertDuplicateInsideHorizon(t *testing.T) {
	stores, mock := newMock(t)
	received := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT received_at_ms FROM events").
		WithArgs("t1", "ev1").
		WillReturnRows(sqlmock.NewRows([]string{"received_at_ms"}).
			AddRow(received.Add(-time.Hour).UnixMilli()))
	mock.ExpectRollback()

	err := stores.Events.Insert(context.Background(), &contracts.Event{
		ID: "e1", TenantID: "t1", EventID: "ev1", ReceivedAt: received,
	}, 24*time.Hour)
	require.ErrorIs(t, err, repo.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventInsertReplacesOutsideHorizon(t *testing.T) {
	stores, mock := newMock(t)
	received := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT received_at_ms FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"received_at_ms"}).
			AddRow(received.Add(-10 * 24 * time.Hour).UnixMilli()))
	mock.ExpectExec("UPDATE events SET id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := stores.Events.Insert(context.Background(), &contracts.Event{
		ID: "e2", TenantID: "t1", EventID: "ev1",
		EventType: contracts.EventPageview, ReceivedAt: received, OccurredAt: received,
	}, 7*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBundleCreateMapsUniqueViolation(t *testing.T) {
	b := &contracts.AdBundle{
		ID: "ab1", TenantID: "t1", RunID: "run1",
		IntentID: "i1", LpVariantID: "lp1", CreativeVariantID: "cr1", AdCopyID: "ac1",
	}

	t.Run("postgres", func(t *testing.T) {
		stores, mock := newMock(t)
		mock.ExpectExec("INSERT INTO ad_bundles").
			WillReturnError(&pq.Error{Code: "23505"})
		require.ErrorIs(t, stores.Bundles.Create(context.Background(), b), repo.ErrDuplicate)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sqlite", func(t *testing.T) {
		stores, mock := newMock(t)
		mock.ExpectExec("INSERT INTO ad_bundles").
			WillReturnError(errSQLite("UNIQUE constraint failed: ad_bundles.tenant_id"))
		require.ErrorIs(t, stores.Bundles.Create(context.Background(), b), repo.ErrDuplicate)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

type errSQLite string

func (e errSQLite) Error() string { return string(e) }

func TestDecisionFinalizeRefusesSecondFinal(t *testing.T) {
	stores, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM decisions`)).
		WithArgs("t1", "run1", "final").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := stores.Decisions.Finalize(context.Background(), "t1", "run1", "d2", time.Now())
	require.ErrorIs(t, err, repo.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionFinalizePromotesDraft(t *testing.T) {
	stores, mock := newMock(t)
	at := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	draft := &contracts.Decision{ID: "d1", TenantID: "t1", RunID: "run1", Status: contracts.DecisionDraft}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM decisions`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT doc FROM decisions").WillReturnRows(docRow(t, draft))
	mock.ExpectExec("UPDATE decisions SET status").
		WithArgs("final", docWith{`"status":"final"`}, "t1", "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, stores.Decisions.Finalize(context.Background(), "t1", "run1", "d1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobDequeueOldestClaims(t *testing.T) {
	stores, mock := newMock(t)
	queued := &contracts.Job{
		ID: "job1", TenantID: "t1", RunID: "run1",
		Type: contracts.JobStopEval, Status: contracts.JobQueued,
	}

	mock.ExpectQuery("SELECT doc FROM jobs WHERE status").
		WithArgs("queued", "stop_eval").
		WillReturnRows(docRow(t, queued))
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("running", docWith{`"status":"running"`}, "job1", "queued").
		WillReturnResult(sqlmock.NewResult(0, 1))

	j, err := stores.Jobs.DequeueOldest(context.Background(), contracts.JobStopEval)
	require.NoError(t, err)
	require.Equal(t, contracts.JobRunningS, j.Status)
	require.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobDequeueOldestEmpty(t *testing.T) {
	stores, mock := newMock(t)
	mock.ExpectQuery("SELECT doc FROM jobs WHERE status").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := stores.Jobs.DequeueOldest(context.Background(), contracts.JobStopEval)
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLastHashFreshChain(t *testing.T) {
	stores, mock := newMock(t)
	mock.ExpectQuery("SELECT hash FROM audit_log").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))

	hash, err := stores.Audit.LastHash(context.Background(), "t1")
	require.NoError(t, err)
	require.Empty(t, hash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditInsertMapsForkToConflict(t *testing.T) {
	stores, mock := newMock(t)
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnError(errors.New("UNIQUE constraint failed: audit_log.tenant_id, audit_log.prev_hash"))

	err := stores.Audit.Insert(context.Background(), &contracts.AuditEntry{
		ID: "e1", TenantID: "t1", TsMs: 1, Hash: "h1",
	})
	require.ErrorIs(t, err, repo.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeNonceOneShot(t *testing.T) {
	stores, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT created_at_ms FROM oauth_nonces").
		WithArgs("n1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at_ms"}).AddRow(1750000000000))
	mock.ExpectExec("DELETE FROM oauth_nonces").
		WithArgs("n1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := stores.Connections.ConsumeNonce(context.Background(), "n1")
	require.NoError(t, err)
	require.Equal(t, int64(1750000000000), created.UnixMilli())
	require.NoError(t, mock.ExpectationsWereMet())

	// Consumed means gone.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT created_at_ms FROM oauth_nonces").
		WithArgs("n1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at_ms"}))
	mock.ExpectRollback()

	_, err = stores.Connections.ConsumeNonce(context.Background(), "n1")
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsMissingRowToNotFound(t *testing.T) {
	stores, mock := newMock(t)
	mock.ExpectQuery("SELECT doc FROM runs").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := stores.Runs.Get(context.Background(), "t1", "nope")
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateByRunFoldsGroupedCounts(t *testing.T) {
	stores, mock := newMock(t)
	mock.ExpectQuery("SELECT ad_bundle_id, event_type").
		WithArgs("t1", "run1").
		WillReturnRows(sqlmock.NewRows([]string{"ad_bundle_id", "event_type", "count"}).
			AddRow("ab1", "pageview", 40).
			AddRow("ab1", "cta_click", 9).
			AddRow("ab1", "form_success", 3).
			AddRow("ab2", "pageview", 5))

	counts, err := stores.Events.AggregateByRun(context.Background(), "t1", "run1")
	require.NoError(t, err)
	require.Equal(t, int64(40), counts["ab1"].Pageviews)
	require.Equal(t, int64(9), counts["ab1"].Clicks)
	require.Equal(t, int64(3), counts["ab1"].Conversions)
	require.Equal(t, int64(5), counts["ab2"].Pageviews)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSumByRunManualShadowsMeta(t *testing.T) {
	stores, mock := newMock(t)
	meta := &contracts.InsightDaily{
		AdBundleID: "ab1", TenantID: "t1", Date: "2026-06-09",
		Source: contracts.SourceMeta, Impressions: 1000, Clicks: 50, Spend: 80, Conversions: 2,
	}
	manual := &contracts.InsightDaily{
		AdBundleID: "ab1", TenantID: "t1", Date: "2026-06-09",
		Source: contracts.SourceManual, Impressions: 900, Clicks: 45, Spend: 75, Conversions: 4,
	}
	metaDoc, _ := json.Marshal(meta)
	manualDoc, _ := json.Marshal(manual)

	mock.ExpectQuery("SELECT i.doc FROM insights_daily").
		WithArgs("t1", "run1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow(string(metaDoc)).
			AddRow(string(manualDoc)))

	totals, err := stores.Insights.SumByRun(context.Background(), "t1", "run1")
	require.NoError(t, err)
	require.Equal(t, int64(900), totals["ab1"].Impressions)
	require.Equal(t, int64(4), totals["ab1"].Conversions)
	require.InDelta(t, 75, totals["ab1"].Spend, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}
