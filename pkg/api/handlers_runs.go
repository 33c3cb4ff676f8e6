package api

import (
	"encoding/json"
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/decision"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/lifecycle"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/planner"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/stats"
)

func (s *Server) handleRunTransition(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceRun, rbac.ActionUpdate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		ToStatus contracts.RunStatus `json:"toStatus"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.ToStatus == "" {
		WriteInvalid(w, requestID(r), "toStatus is required")
		return
	}
	change, err := s.lifecycle.Transition(r.Context(), lifecycle.TransitionRequest{
		TenantID:  p.TenantID,
		RunID:     r.PathValue("id"),
		To:        req.ToStatus,
		UserID:    p.UserID,
		RequestID: p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, change)
}

func (s *Server) handleRunGenerate(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceJob, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		JobType   contracts.JobType `json:"jobType"`
		IntentIDs []string          `json:"intentIds,omitempty"`
		Options   json.RawMessage   `json:"options,omitempty"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || !req.JobType.Valid() {
		WriteInvalid(w, requestID(r), "jobType must be a known job type")
		return
	}
	runID := r.PathValue("id")
	if _, err := s.stores.Runs.Get(r.Context(), p.TenantID, runID); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	payload, err := json.Marshal(map[string]any{
		"intentIds": req.IntentIDs,
		"options":   req.Options,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	job, err := s.queue.Enqueue(r.Context(), p.TenantID, runID, req.JobType, payload)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, job)
}

func (s *Server) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceJob, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	list, err := s.stores.Jobs.ListByRun(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]any{"jobs": list})
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceJob, rbac.ActionUpdate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	job, err := s.queue.Retry(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceJob, rbac.ActionUpdate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	job, err := s.queue.Cancel(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, job)
}

func (s *Server) handleRunPublish(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceDeployment, rbac.ActionLaunch)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	out, err := s.publisher.Publish(r.Context(), p.TenantID, r.PathValue("id"), p.UserID, p.RequestID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]any{
		"deployment":  out.Deployment,
		"adBundles":   out.Bundles,
		"manifestKey": out.ManifestKey,
	})
}

func (s *Server) handleRunRollback(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceDeployment, rbac.ActionLaunch)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	dep, err := s.publisher.Rollback(r.Context(), p.TenantID, r.PathValue("id"), p.UserID, p.RequestID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, dep)
}

func (s *Server) handleRunDeployment(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceDeployment, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	dep, err := s.stores.Deployments.PublishedByRun(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, dep)
}

func (s *Server) handleRunDecide(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceDecision, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		Variants []stats.Observation `json:"variants,omitempty"`
		Persist  bool                `json:"persist,omitempty"`
		Finalize bool                `json:"finalize,omitempty"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil {
		WriteInvalid(w, requestID(r), "malformed body")
		return
	}
	out, err := s.decisions.Decide(r.Context(), p.TenantID, decision.Request{
		RunID:     r.PathValue("id"),
		Variants:  req.Variants,
		Persist:   req.Persist,
		Finalize:  req.Finalize,
		Actor:     p.UserID,
		RequestID: p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, out)
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceReport, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	doc, err := s.reports.Build(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, doc)
}

func (s *Server) handleRunNextRun(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceRun, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		Overrides *planner.FixedGranularity `json:"overrides,omitempty"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil {
		WriteInvalid(w, requestID(r), "malformed body")
		return
	}
	plan, err := s.planner.GenerateNextRun(r.Context(), p.TenantID, r.PathValue("id"),
		req.Overrides, p.UserID, p.RequestID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]any{"newRunId": plan.Run.ID, "diffLog": plan.Diff})
}

func (s *Server) handleRunFixedGranularity(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceRun, rbac.ActionUpdate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	run, err := s.stores.Runs.Get(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	if !lifecycle.IsEditable(run.Status) {
		WriteErr(w, http.StatusBadRequest, CodeInvalidStatus,
			"granularity is editable only before launch", requestID(r),
			map[string]any{"currentStatus": run.Status})
		return
	}
	raw, err := readBody(r, maxBodyBytes)
	if err != nil {
		WriteInvalid(w, requestID(r), "malformed body")
		return
	}
	if _, err := planner.ParseGranularity(raw); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	run.FixedGranJSON = raw
	run.UpdatedAt = s.clock.Now()
	if err := s.stores.Runs.Update(r.Context(), run); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, run)
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceInsight, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	runID := r.PathValue("id")
	bundles, err := s.combiner.RunMetrics(r.Context(), p.TenantID, runID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	intents, err := s.combiner.IntentMetrics(r.Context(), p.TenantID, runID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]any{"bundles": bundles, "intents": intents})
}
