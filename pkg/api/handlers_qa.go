package api

import (
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/qa"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
)

// handleQACheck runs the project NG rules over ad-hoc text fields. The check
// is pure; nothing is persisted.
func (s *Server) handleQACheck(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceVariant, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		ProjectID string     `json:"projectId"`
		Fields    []qa.Field `json:"fields"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.ProjectID == "" || len(req.Fields) == 0 {
		WriteInvalid(w, requestID(r), "projectId and fields are required")
		return
	}
	project, err := s.stores.Projects.Get(r.Context(), p.TenantID, req.ProjectID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, qa.Check(&project.NGRules, req.Fields))
}

// handleQASmoke probes the tracking URLs of a run's live bundles.
func (s *Server) handleQASmoke(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceDeployment, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		RunID string `json:"runId"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.RunID == "" {
		WriteInvalid(w, requestID(r), "runId is required")
		return
	}
	if v, err := s.flags.Get(r.Context(), p.TenantID, contracts.FlagFeatureQA); err == nil && v == "false" {
		WriteErr(w, http.StatusServiceUnavailable, CodeAdapterDisabled,
			"qa features are disabled for this tenant", requestID(r), nil)
		return
	}
	report, err := s.smoke.Run(r.Context(), p.TenantID, req.RunID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, report)
}
