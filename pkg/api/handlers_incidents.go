package api

import (
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/incident"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
)

func (s *Server) handleIncidentList(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceIncident, rbac.ActionRead)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	status := contracts.IncidentStatus(r.URL.Query().Get("status"))
	list, err := s.stores.Incidents.ListByTenant(r.Context(), p.TenantID, status)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]any{"incidents": list})
}

func (s *Server) handleIncidentCreate(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceIncident, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		RunID       string                 `json:"runId,omitempty"`
		Kind        contracts.IncidentKind `json:"kind"`
		Severity    contracts.Severity     `json:"severity"`
		Title       string                 `json:"title"`
		Description string                 `json:"description,omitempty"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.Title == "" {
		WriteInvalid(w, requestID(r), "title is required")
		return
	}
	inc, err := s.incidents.Create(r.Context(), p.TenantID, incident.CreateRequest{
		RunID:       req.RunID,
		Kind:        req.Kind,
		Severity:    req.Severity,
		Title:       req.Title,
		Description: req.Description,
		TriggeredBy: p.UserID,
		Actor:       p.UserID,
		RequestID:   p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, inc)
}

func (s *Server) handleIncidentResolve(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceIncident, rbac.ActionUpdate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		PreventionMemo string `json:"preventionMemo,omitempty"`
		FeedNGRules    bool   `json:"feedNgRules,omitempty"`
		ProjectID      string `json:"projectId,omitempty"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil {
		WriteInvalid(w, requestID(r), "malformed body")
		return
	}
	inc, err := s.incidents.Resolve(r.Context(), p.TenantID, incident.ResolveRequest{
		IncidentID:     r.PathValue("id"),
		PreventionMemo: req.PreventionMemo,
		FeedNGRules:    req.FeedNGRules,
		ProjectID:      req.ProjectID,
		Actor:          p.UserID,
		RequestID:      p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, inc)
}
