package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/flags"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]any{
		"userId":   p.UserID,
		"tenantId": p.TenantID,
		"role":     p.Role,
	})
}

type projectRequest struct {
	Name          string                   `json:"name"`
	BrandAssets   *contracts.BrandAssets   `json:"brand_assets,omitempty"`
	ConversionDef *contracts.ConversionDef `json:"conversion_def,omitempty"`
	NGRules       *contracts.NGRules       `json:"ng_rules,omitempty"`
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceProject, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req projectRequest
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.Name == "" {
		WriteInvalid(w, requestID(r), "name is required")
		return
	}

	now := s.clock.Now()
	id, err := s.ids.New(now)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	project := &contracts.Project{
		ID:        string(id),
		TenantID:  p.TenantID,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.BrandAssets != nil {
		project.BrandAssets = *req.BrandAssets
	}
	if req.ConversionDef != nil {
		project.ConversionDef = *req.ConversionDef
	}
	if req.NGRules != nil {
		project.NGRules = *req.NGRules
	}
	if err := s.stores.Projects.Create(r.Context(), project); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, project)
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceProject, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	project, err := s.stores.Projects.Get(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, project)
}

func (s *Server) handleProjectPatch(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceProject, rbac.ActionUpdate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	project, err := s.stores.Projects.Get(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req projectRequest
	if err := decodeBody(r, maxBodyBytes, &req); err != nil {
		WriteInvalid(w, requestID(r), "malformed body")
		return
	}
	if req.Name != "" {
		project.Name = req.Name
	}
	if req.BrandAssets != nil {
		project.BrandAssets = *req.BrandAssets
	}
	if req.ConversionDef != nil {
		project.ConversionDef = *req.ConversionDef
	}
	if req.NGRules != nil {
		project.NGRules = *req.NGRules
	}
	project.UpdatedAt = s.clock.Now()
	if err := s.stores.Projects.Update(r.Context(), project); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, project)
}

type runCreateRequest struct {
	ProjectID     string                  `json:"projectId"`
	Name          string                  `json:"name"`
	Mode          contracts.OperationMode `json:"operationMode,omitempty"`
	Design        json.RawMessage         `json:"runDesign,omitempty"`
	StopRules     json.RawMessage         `json:"stopRules,omitempty"`
	FixedGran     json.RawMessage         `json:"fixedGranularity,omitempty"`
	DecisionRules json.RawMessage         `json:"decisionRules,omitempty"`
	BudgetCap     *float64                `json:"budgetCap,omitempty"`
}

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceRun, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req runCreateRequest
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.ProjectID == "" || req.Name == "" {
		WriteInvalid(w, requestID(r), "projectId and name are required")
		return
	}
	// Project must exist inside the tenant.
	if _, err := s.stores.Projects.Get(r.Context(), p.TenantID, req.ProjectID); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}

	mode := req.Mode
	if mode == "" {
		if v, err := s.flags.Get(r.Context(), p.TenantID, contracts.FlagOperationModeDefault); err == nil {
			mode = contracts.OperationMode(v)
		}
	}
	if !mode.Valid() {
		WriteInvalid(w, requestID(r), "operationMode must be manual, hybrid or auto")
		return
	}
	if err := validateDecisionRules(req.DecisionRules); err != nil {
		WriteInvalid(w, requestID(r), err.Error())
		return
	}

	now := s.clock.Now()
	id, err := s.ids.New(now)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	run := &contracts.Run{
		ID:                string(id),
		TenantID:          p.TenantID,
		ProjectID:         req.ProjectID,
		Name:              req.Name,
		Mode:              mode,
		Status:            contracts.RunDraft,
		DesignJSON:        req.Design,
		StopRulesJSON:     req.StopRules,
		FixedGranJSON:     req.FixedGran,
		DecisionRulesJSON: req.DecisionRules,
		BudgetCap:         req.BudgetCap,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.stores.Runs.Create(r.Context(), run); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, run)
}

// validateDecisionRules rejects a decision-rules document whose launch policy
// would never pass preflight. Catching a bad expression at write time beats
// discovering it at launch.
func validateDecisionRules(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var rules contracts.DecisionRules
	if err := json.Unmarshal(raw, &rules); err != nil {
		return fmt.Errorf("decisionRules does not parse: %v", err)
	}
	if rules.LaunchPolicyCEL == "" {
		return nil
	}
	if _, err := rbac.CompileLaunchPolicy(rules.LaunchPolicyCEL); err != nil {
		return fmt.Errorf("decisionRules launch policy: %v", err)
	}
	return nil
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceRun, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	run, err := s.stores.Runs.Get(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, run)
}

func (s *Server) handleRunFlagOverride(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.Key == "" {
		WriteInvalid(w, requestID(r), "key and value are required")
		return
	}
	run, err := s.flags.OverrideRun(r.Context(), p.TenantID, r.PathValue("id"), flags.UpdateRequest{
		Key:       req.Key,
		Value:     req.Value,
		Actor:     p.UserID,
		Role:      p.Role,
		RequestID: p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, run)
}

func (s *Server) handleFlagList(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceFeatureFlag, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	all, err := s.flags.List(r.Context(), p.TenantID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, all)
}

func (s *Server) handleFlagUpdate(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil {
		WriteInvalid(w, requestID(r), "malformed body")
		return
	}
	// Role escalation for sensitive keys happens inside the service.
	f, err := s.flags.Update(r.Context(), p.TenantID, flags.UpdateRequest{
		Key:       r.PathValue("key"),
		Value:     req.Value,
		Actor:     p.UserID,
		Role:      p.Role,
		RequestID: p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, f)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	if p.Role != contracts.RoleOwner {
		writeDomainErr(w, s.log, requestID(r), rbac.ErrForbidden)
		return
	}
	key, bundle, err := s.auditRec.Export(r.Context(), s.blobs, p.TenantID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]any{"key": key, "bundle": bundle})
}
