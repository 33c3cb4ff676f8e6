package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/approval"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/auth"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/decision"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/flags"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/incident"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ingest"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/jobs"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/lifecycle"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/meta"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/planner"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/qa"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/report"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

// maxBodyBytes bounds request bodies; CSV imports get a larger allowance.
const (
	maxBodyBytes   = 1 << 20  // 1 MiB
	maxImportBytes = 16 << 20 // 16 MiB
	idempotencyTTL = 24 * time.Hour
)

// Server wires every business component behind the HTTP surface.
type Server struct {
	stores    *repo.Stores
	signer    *auth.Signer
	lifecycle *lifecycle.Manager
	approvals *approval.Service
	publisher *publish.Publisher
	decisions *decision.Service
	incidents *incident.Manager
	planner   *planner.Planner
	reports   *report.Builder
	ingestor  *ingest.Ingestor
	importer  *insights.Importer
	combiner  *insights.Combiner
	queue     *jobs.Queue
	flags     *flags.Service
	oauth     *meta.OAuth
	smoke     *qa.SmokeTester
	auditRec  *audit.Recorder
	blobs     objstore.Store
	ids       *ulid.Factory
	clock     ulid.Clock
	log       *slog.Logger

	eventLimiter *auth.RateLimiter
	idempotency  *IdempotencyStore
}

// Deps is the dependency bundle for NewServer.
type Deps struct {
	Stores    *repo.Stores
	Signer    *auth.Signer
	Lifecycle *lifecycle.Manager
	Approvals *approval.Service
	Publisher *publish.Publisher
	Decisions *decision.Service
	Incidents *incident.Manager
	Planner   *planner.Planner
	Reports   *report.Builder
	Ingestor  *ingest.Ingestor
	Importer  *insights.Importer
	Combiner  *insights.Combiner
	Queue     *jobs.Queue
	Flags     *flags.Service
	OAuth     *meta.OAuth
	Smoke     *qa.SmokeTester
	Audit     *audit.Recorder
	Blobs     objstore.Store
	IDs       *ulid.Factory
	Clock     ulid.Clock
	Log       *slog.Logger

	EventRPS   float64
	EventBurst int
}

func NewServer(d Deps) *Server {
	rps := d.EventRPS
	if rps <= 0 {
		rps = 50
	}
	burst := d.EventBurst
	if burst <= 0 {
		burst = 100
	}
	return &Server{
		stores:       d.Stores,
		signer:       d.Signer,
		lifecycle:    d.Lifecycle,
		approvals:    d.Approvals,
		publisher:    d.Publisher,
		decisions:    d.Decisions,
		incidents:    d.Incidents,
		planner:      d.Planner,
		reports:      d.Reports,
		ingestor:     d.Ingestor,
		importer:     d.Importer,
		combiner:     d.Combiner,
		queue:        d.Queue,
		flags:        d.Flags,
		oauth:        d.OAuth,
		smoke:        d.Smoke,
		auditRec:     d.Audit,
		blobs:        d.Blobs,
		ids:          d.IDs,
		clock:        d.Clock,
		log:          d.Log,
		eventLimiter: auth.NewRateLimiter(rps, burst),
		idempotency:  NewIdempotencyStore(idempotencyTTL),
	}
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteOK(w, map[string]string{"state": "serving"})
	})

	// Public event intake, rate limited per client IP.
	mux.HandleFunc("POST /e", s.withRateLimit(s.handleEvent))
	mux.HandleFunc("POST /e/batch", s.withRateLimit(s.handleEventBatch))

	// Authenticated surface.
	mux.HandleFunc("GET /me", s.withAuth(s.handleMe))

	mux.HandleFunc("POST /projects", s.withAuth(s.handleProjectCreate))
	mux.HandleFunc("GET /projects/{id}", s.withAuth(s.handleProjectGet))
	mux.HandleFunc("PATCH /projects/{id}", s.withAuth(s.handleProjectPatch))

	mux.HandleFunc("POST /runs", s.withAuth(s.handleRunCreate))
	mux.HandleFunc("GET /runs/{id}", s.withAuth(s.handleRunGet))
	mux.HandleFunc("POST /runs/{id}/transition", s.withAuth(s.handleRunTransition))
	mux.HandleFunc("POST /runs/{id}/approve", s.withAuth(s.handleRunApprove))
	mux.HandleFunc("POST /runs/{id}/generate", s.withAuth(s.handleRunGenerate))
	mux.HandleFunc("GET /runs/{id}/jobs", s.withAuth(s.handleRunJobs))
	mux.HandleFunc("POST /jobs/{id}/retry", s.withAuth(s.handleJobRetry))
	mux.HandleFunc("POST /jobs/{id}/cancel", s.withAuth(s.handleJobCancel))

	mux.HandleFunc("POST /runs/{id}/publish", s.withAuth(s.withIdempotency(s.handleRunPublish)))
	mux.HandleFunc("POST /runs/{id}/rollback", s.withAuth(s.handleRunRollback))
	mux.HandleFunc("GET /runs/{id}/deployment", s.withAuth(s.handleRunDeployment))

	mux.HandleFunc("POST /runs/{id}/decide", s.withAuth(s.handleRunDecide))
	mux.HandleFunc("GET /runs/{id}/report", s.withAuth(s.handleRunReport))
	mux.HandleFunc("POST /runs/{id}/next-run", s.withAuth(s.handleRunNextRun))
	mux.HandleFunc("POST /runs/{id}/fixed-granularity", s.withAuth(s.handleRunFixedGranularity))
	mux.HandleFunc("PATCH /runs/{id}/flags", s.withAuth(s.handleRunFlagOverride))
	mux.HandleFunc("GET /runs/{id}/metrics", s.withAuth(s.handleRunMetrics))

	mux.HandleFunc("POST /variants/{kind}/{id}/approve", s.withAuth(s.handleVariantApprove))
	mux.HandleFunc("POST /variants/{kind}/{id}/reject", s.withAuth(s.handleVariantReject))
	mux.HandleFunc("PATCH /variants/{kind}/{id}", s.withAuth(s.handleVariantRevise))

	mux.HandleFunc("POST /manual/ad-bundles/register", s.withAuth(s.handleManualBundleRegister))
	mux.HandleFunc("POST /manual/metrics/import", s.withAuth(s.handleManualImport))

	mux.HandleFunc("POST /qa/check", s.withAuth(s.handleQACheck))
	mux.HandleFunc("POST /qa/smoke-test", s.withAuth(s.handleQASmoke))

	mux.HandleFunc("POST /meta/connect/start", s.withAuth(s.handleMetaConnectStart))
	mux.HandleFunc("POST /meta/connect/callback", s.withAuth(s.handleMetaConnectCallback))
	mux.HandleFunc("DELETE /meta/connections/{id}", s.withAuth(s.handleMetaConnectionRevoke))

	mux.HandleFunc("GET /incidents", s.withAuth(s.handleIncidentList))
	mux.HandleFunc("POST /incidents", s.withAuth(s.handleIncidentCreate))
	mux.HandleFunc("POST /incidents/{id}/resolve", s.withAuth(s.handleIncidentResolve))

	mux.HandleFunc("GET /tenant/flags", s.withAuth(s.handleFlagList))
	mux.HandleFunc("PATCH /tenant/flags/{key}", s.withAuth(s.handleFlagUpdate))

	mux.HandleFunc("GET /audit/export", s.withAuth(s.handleAuditExport))

	return withRequestID(withLogging(s.log, mux))
}

// principal pulls the authenticated caller; withAuth guarantees presence on
// protected routes.
func principal(r *http.Request) (*auth.Principal, error) {
	return auth.FromContext(r.Context())
}

// require resolves the principal and checks the permission matrix.
func (s *Server) require(r *http.Request, res rbac.Resource, act rbac.Action) (*auth.Principal, error) {
	p, err := principal(r)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(p.Role, res, act) {
		return nil, rbac.ErrForbidden
	}
	return p, nil
}

// decodeBody reads and decodes a bounded JSON body.
func decodeBody(r *http.Request, limit int64, v any) error {
	body, err := readBody(r, limit)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, limit))
}
