package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/approval"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/auth"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/decision"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/flags"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/incident"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ingest"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/jobs"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/lifecycle"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/meta"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/notify"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/planner"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/qa"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/report"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/stats"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

type movingClock struct{ t time.Time }

func (c *movingClock) Now() time.Time { return c.t }

// exchanger satisfies meta.TokenExchanger for handshakes the tests never
// complete against a real endpoint.
type exchanger struct{}

func (exchanger) Exchange(_ context.Context, code, _ string) (string, time.Time, error) {
	return "tok-" + code, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), nil
}

type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	RequestID string          `json:"requestId"`
}

type fixture struct {
	srv    *Server
	h      http.Handler
	stores *repo.Stores
	signer *auth.Signer
	clock  *movingClock
}

func newFixture(t *testing.T, tweak func(*Deps)) *fixture {
	t.Helper()
	clock := &movingClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	stores := memory.New()
	ids := ulid.NewFactory()
	log := slog.Default()

	rec := audit.NewRecorder(stores.Audit, ids, clock)
	blobs := objstore.NewMemory()
	combiner := insights.NewCombiner(stores.Bundles, stores.Insights, stores.Events)

	signer, err := auth.NewSigner([]byte("0123456789abcdef0123456789abcdef"), 12*time.Hour, clock)
	require.NoError(t, err)

	vault, err := meta.NewVault([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)

	deps := Deps{
		Stores:    stores,
		Signer:    signer,
		Lifecycle: lifecycle.NewManager(stores.Runs, rec, clock, log),
		Approvals: approval.NewService(stores, rec, ids, clock, log),
		Publisher: publish.NewPublisher(stores, blobs, rec, ids, clock, log),
		Decisions: decision.NewService(stores, combiner, stats.NewKernel(stats.WithSeed(7)), rec, ids, clock, log),
		Incidents: incident.NewManager(stores, notify.New(log), rec, ids, clock, log),
		Planner:   planner.NewPlanner(stores, rec, ids, clock, log),
		Reports:   report.NewBuilder(stores, combiner, blobs, ids, clock, log),
		Ingestor:  ingest.NewIngestor(stores.Runs, stores.LpVariants, stores.Events, ingest.NoopDedup{}, ids, clock, log),
		Importer:  insights.NewImporter(stores.Bundles, stores.Insights, stores.Imports, blobs, ids, clock, log),
		Combiner:  combiner,
		Queue:     jobs.NewQueue(stores.Jobs, ids, clock, log),
		Flags:     flags.NewService(stores, rec, clock, log),
		OAuth:     meta.NewOAuth("client-1", exchanger{}, vault, stores.Connections, ids, clock),
		Smoke:     qa.NewSmokeTester(stores.Bundles),
		Audit:     rec,
		Blobs:     blobs,
		IDs:       ids,
		Clock:     clock,
		Log:       log,
	}
	if tweak != nil {
		tweak(&deps)
	}
	srv := NewServer(deps)
	return &fixture{srv: srv, h: srv.Handler(), stores: stores, signer: signer, clock: clock}
}

func (f *fixture) token(t *testing.T, user, tenant string, role contracts.Role) string {
	t.Helper()
	tok, err := f.signer.Issue(user, tenant, role)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return w, &env
}

func decodeData[T any](t *testing.T, env *envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	w, env := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", env.Status)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	w, env := f.do(t, http.MethodGet, "/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, CodeUnauthorized, env.Error)
	require.NotEmpty(t, env.RequestID)

	w, env = f.do(t, http.MethodGet, "/me", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, CodeUnauthorized, env.Error)

	tok := f.token(t, "u1", "t1", contracts.RoleViewer)
	w, env = f.do(t, http.MethodGet, "/me", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decodeData[map[string]string](t, env)
	require.Equal(t, "u1", me["userId"])
	require.Equal(t, "t1", me["tenantId"])
	require.Equal(t, "viewer", me["role"])
}

func TestProjectCreateRequiresOperator(t *testing.T) {
	f := newFixture(t, nil)

	viewer := f.token(t, "v1", "t1", contracts.RoleViewer)
	w, env := f.do(t, http.MethodPost, "/projects", viewer, map[string]string{"name": "LP test"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeForbidden, env.Error)

	op := f.token(t, "op1", "t1", contracts.RoleOperator)
	w, env = f.do(t, http.MethodPost, "/projects", op, map[string]string{"name": "LP test"})
	require.Equal(t, http.StatusOK, w.Code)
	project := decodeData[contracts.Project](t, env)
	require.NotEmpty(t, project.ID)
	require.Equal(t, "t1", project.TenantID)

	w, _ = f.do(t, http.MethodPost, "/projects", op, map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunCreateAndCrossTenantIsolation(t *testing.T) {
	f := newFixture(t, nil)
	op := f.token(t, "op1", "t1", contracts.RoleOperator)

	_, env := f.do(t, http.MethodPost, "/projects", op, map[string]string{"name": "P"})
	project := decodeData[contracts.Project](t, env)

	w, env := f.do(t, http.MethodPost, "/runs", op, map[string]any{
		"projectId": project.ID,
		"name":      "first run",
	})
	require.Equal(t, http.StatusOK, w.Code)
	run := decodeData[contracts.Run](t, env)
	require.Equal(t, contracts.RunDraft, run.Status)
	require.Equal(t, contracts.ModeManual, run.Mode)

	// Same run id, different tenant: indistinguishable from absence.
	other := f.token(t, "op2", "t2", contracts.RoleOperator)
	w, env = f.do(t, http.MethodGet, "/runs/"+run.ID, other, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, CodeNotFound, env.Error)

	w, _ = f.do(t, http.MethodGet, "/runs/"+run.ID, op, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSensitiveFlagRequiresOwner(t *testing.T) {
	f := newFixture(t, nil)
	op := f.token(t, "op1", "t1", contracts.RoleOperator)
	owner := f.token(t, "own1", "t1", contracts.RoleOwner)

	w, env := f.do(t, http.MethodPatch, "/tenant/flags/"+contracts.FlagMetaAPIEnabled, op,
		map[string]string{"value": "true"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeForbidden, env.Error)

	w, _ = f.do(t, http.MethodPatch, "/tenant/flags/"+contracts.FlagMetaAPIEnabled, owner,
		map[string]string{"value": "true"})
	require.Equal(t, http.StatusOK, w.Code)

	// Non-sensitive keys stay operator-writable.
	w, _ = f.do(t, http.MethodPatch, "/tenant/flags/"+contracts.FlagFeatureQA, op,
		map[string]string{"value": "false"})
	require.Equal(t, http.StatusOK, w.Code)

	w, env = f.do(t, http.MethodGet, "/tenant/flags", op, nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeData[map[string]string](t, env)
	require.Equal(t, "true", all[contracts.FlagMetaAPIEnabled])
	require.Equal(t, "false", all[contracts.FlagFeatureQA])
}

func TestMetaConnectGatedByFlag(t *testing.T) {
	f := newFixture(t, nil)
	op := f.token(t, "op1", "t1", contracts.RoleOperator)
	owner := f.token(t, "own1", "t1", contracts.RoleOwner)

	w, env := f.do(t, http.MethodPost, "/meta/connect/start", op,
		map[string]string{"redirectUri": "https://app.example.com/cb"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, CodeAdapterDisabled, env.Error)

	_, _ = f.do(t, http.MethodPatch, "/tenant/flags/"+contracts.FlagMetaAPIEnabled, owner,
		map[string]string{"value": "true"})

	w, env = f.do(t, http.MethodPost, "/meta/connect/start", op,
		map[string]string{"redirectUri": "https://app.example.com/cb"})
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeData[map[string]string](t, env)
	require.NotEmpty(t, out["authUrl"])
	require.NotEmpty(t, out["state"])
}

func TestEventIngestDedupAndValidation(t *testing.T) {
	f := newFixture(t, nil)
	op := f.token(t, "op1", "t1", contracts.RoleOperator)

	_, env := f.do(t, http.MethodPost, "/projects", op, map[string]string{"name": "P"})
	project := decodeData[contracts.Project](t, env)
	_, env = f.do(t, http.MethodPost, "/runs", op, map[string]any{
		"projectId": project.ID, "name": "R",
	})
	run := decodeData[contracts.Run](t, env)

	event := func(id string) map[string]any {
		return map[string]any{
			"v": 1, "event_id": id,
			"ts_ms":         f.clock.t.Add(-time.Minute).UnixMilli(),
			"event_type":    "pageview",
			"session_id":    "s1",
			"run_id":        run.ID,
			"lp_variant_id": "lp1",
			"page_url":      "https://lp.example.com/?utm_source=meta",
		}
	}

	w, env := f.do(t, http.MethodPost, "/e", "", event("ev1"))
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeData[contracts.BatchResult](t, env)
	require.Equal(t, 1, res.Ingested)

	// Replay of the same event id counts as deduped, not rejected.
	_, env = f.do(t, http.MethodPost, "/e", "", event("ev1"))
	res = decodeData[contracts.BatchResult](t, env)
	require.Equal(t, 1, res.Deduped)

	bad := event("ev2")
	bad["event_type"] = "hover"
	w, env = f.do(t, http.MethodPost, "/e/batch", "", map[string]any{
		"events": []map[string]any{event("ev3"), bad},
	})
	require.Equal(t, http.StatusOK, w.Code)
	res = decodeData[contracts.BatchResult](t, env)
	require.Equal(t, 1, res.Ingested)
	require.Equal(t, 1, res.Rejected)
	require.Contains(t, res.Errors, "ev2")

	w, env = f.do(t, http.MethodPost, "/e/batch", "", map[string]any{"events": []map[string]any{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, CodeInvalidRequest, env.Error)
}

func TestEventRateLimit(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.EventRPS = 1
		d.EventBurst = 1
	})

	body := map[string]any{"v": 1}
	w, _ := f.do(t, http.MethodPost, "/e", "", body)
	require.NotEqual(t, http.StatusTooManyRequests, w.Code)

	w, env := f.do(t, http.MethodPost, "/e", "", body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, CodeRateLimited, env.Error)
	require.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestIdempotencyReplay(t *testing.T) {
	f := newFixture(t, nil)

	calls := 0
	h := f.srv.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteOK(w, map[string]int{"call": calls})
	})

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/runs/r1/publish", nil)
		r.Header.Set(idempotencyHeader, "key-1")
		return r
	}

	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, req())
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req())

	require.Equal(t, 1, calls)
	require.Equal(t, w1.Body.String(), w2.Body.String())
	require.Equal(t, "true", w2.Header().Get("Idempotency-Replayed"))

	// A different key is a fresh invocation.
	r3 := httptest.NewRequest(http.MethodPost, "/runs/r1/publish", nil)
	r3.Header.Set(idempotencyHeader, "key-2")
	w3 := httptest.NewRecorder()
	h.ServeHTTP(w3, r3)
	require.Equal(t, 2, calls)
}

func TestIncidentFlow(t *testing.T) {
	f := newFixture(t, nil)
	op := f.token(t, "op1", "t1", contracts.RoleOperator)

	w, env := f.do(t, http.MethodPost, "/incidents", op, map[string]any{
		"kind":     "meta_rejected",
		"severity": "high",
		"title":    "ad set rejected at review",
	})
	require.Equal(t, http.StatusOK, w.Code)
	inc := decodeData[contracts.Incident](t, env)
	require.Equal(t, contracts.IncidentOpen, inc.Status)

	_, env = f.do(t, http.MethodGet, "/incidents?status=open", op, nil)
	open := decodeData[map[string][]contracts.Incident](t, env)
	require.Len(t, open["incidents"], 1)

	w, env = f.do(t, http.MethodPost, "/incidents/"+inc.ID+"/resolve", op, map[string]any{
		"preventionMemo": "pre-check the policy category",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resolved := decodeData[contracts.Incident](t, env)
	require.Equal(t, contracts.IncidentResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	// Resolving twice conflicts.
	w, env = f.do(t, http.MethodPost, "/incidents/"+inc.ID+"/resolve", op, map[string]any{})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, CodeConflict, env.Error)
}

func TestRunFlagOverrideStatusGate(t *testing.T) {
	f := newFixture(t, nil)
	op := f.token(t, "op1", "t1", contracts.RoleOperator)

	_, env := f.do(t, http.MethodPost, "/projects", op, map[string]string{"name": "P"})
	project := decodeData[contracts.Project](t, env)
	_, env = f.do(t, http.MethodPost, "/runs", op, map[string]any{
		"projectId": project.ID, "name": "R",
	})
	run := decodeData[contracts.Run](t, env)

	w, env := f.do(t, http.MethodPatch, "/runs/"+run.ID+"/flags", op, map[string]string{
		"key": contracts.FlagFeatureGeneration, "value": "false",
	})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decodeData[contracts.Run](t, env)
	require.Equal(t, "false", updated.Flags[contracts.FlagFeatureGeneration])

	w, env = f.do(t, http.MethodPatch, "/runs/"+run.ID+"/flags", op, map[string]string{
		"key": "no_such_flag", "value": "true",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, CodeInvalidRequest, env.Error)
}

func TestQACheckOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	op := f.token(t, "op1", "t1", contracts.RoleOperator)

	_, env := f.do(t, http.MethodPost, "/projects", op, map[string]any{
		"name": "P",
		"ng_rules": map[string]any{
			"banned_terms": []string{"No.1"},
		},
	})
	project := decodeData[contracts.Project](t, env)

	w, env := f.do(t, http.MethodPost, "/qa/check", op, map[string]any{
		"projectId": project.ID,
		"fields": []map[string]string{
			{"name": "headline", "text": "業界No.1の実績"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeData[qa.Result](t, env)
	require.False(t, result.Passed)
	require.Len(t, result.Findings, 1)
	require.Equal(t, "headline", result.Findings[0].Field)
}

func TestMalformedJSONIsInvalidRequest(t *testing.T) {
	f := newFixture(t, nil)
	op := f.token(t, "op1", "t1", contracts.RoleOperator)

	req := httptest.NewRequest(http.MethodPost, "/projects", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+op)
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(t, CodeInvalidRequest, env.Error)
	require.NotEmpty(t, env.RequestID)
}

func TestRequestIDEchoedAndPreserved(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req_fixed")
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	require.Equal(t, "req_fixed", w.Header().Get(requestIDHeader))

	w2 := httptest.NewRecorder()
	f.h.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, w2.Header().Get(requestIDHeader))
}
