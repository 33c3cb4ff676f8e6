package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/approval"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/auth"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/decision"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/flags"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/incident"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ingest"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/jobs"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/lifecycle"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/meta"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/planner"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

// writeDomainErr translates a domain error into the taxonomy at the handler
// boundary. Anything unmapped is a programmer error: logged with the request
// id, surfaced as a generic 500.
func writeDomainErr(w http.ResponseWriter, log *slog.Logger, requestID string, err error) {
	var preflight *lifecycle.PreflightError
	switch {
	case errors.As(err, &preflight):
		WriteErr(w, http.StatusBadRequest, CodeGuardrailFailed, "transition preflight failed", requestID,
			map[string]any{"checks": preflight.Checks})

	case errors.Is(err, repo.ErrNotFound),
		errors.Is(err, meta.ErrConnectionNotFound):
		WriteErr(w, http.StatusNotFound, CodeNotFound, "not found", requestID, nil)

	case errors.Is(err, repo.ErrConflict),
		errors.Is(err, repo.ErrDuplicate),
		errors.Is(err, decision.ErrNotFinalizable),
		errors.Is(err, incident.ErrNotOpen),
		errors.Is(err, jobs.ErrNotRetryable),
		errors.Is(err, jobs.ErrNotCancellable),
		errors.Is(err, jobs.ErrAttemptsExhausted),
		errors.Is(err, approval.ErrAlreadyApproved),
		errors.Is(err, flags.ErrRunsActive):
		WriteErr(w, http.StatusConflict, CodeConflict, err.Error(), requestID, nil)

	case errors.Is(err, rbac.ErrForbidden),
		errors.Is(err, flags.ErrForbidden):
		WriteErr(w, http.StatusForbidden, CodeForbidden, "insufficient permission", requestID, nil)

	case errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrNoPrincipal):
		WriteErr(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid token", requestID, nil)

	case errors.Is(err, planner.ErrSourceNotFinished),
		errors.Is(err, approval.ErrNotReviewable),
		errors.Is(err, approval.ErrVariantsNotApproved),
		errors.Is(err, publish.ErrNotPublishing),
		errors.Is(err, publish.ErrNoPublishedDeployment),
		errors.Is(err, flags.ErrRunNotOverridable):
		WriteErr(w, http.StatusBadRequest, CodeInvalidStatus, err.Error(), requestID, nil)

	case errors.Is(err, publish.ErrNoPublishableIntents),
		errors.Is(err, ingest.ErrBatchTooLarge),
		errors.Is(err, insights.ErrMissingColumns),
		errors.Is(err, decision.ErrNoVariants),
		errors.Is(err, flags.ErrUnknownKey),
		errors.Is(err, flags.ErrInvalidValue),
		errors.Is(err, meta.ErrStateInvalid),
		errors.Is(err, approval.ErrUnknownKind),
		errors.Is(err, approval.ErrBadContent),
		errors.Is(err, planner.ErrBadGranularity):
		WriteErr(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), requestID, nil)

	default:
		log.Error("unmapped handler error", "request_id", requestID, "error", err)
		WriteErr(w, http.StatusInternalServerError, CodeInternalError,
			"something went wrong", requestID, nil)
	}
}
