package api

import (
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/approval"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
)

// handleRunApprove records the reviewer's sign-off on a run. The lifecycle
// transition to approved is a separate call; it checks the stamp this one
// writes.
func (s *Server) handleRunApprove(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceApproval, rbac.ActionApprove)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	run, err := s.approvals.ApproveRun(r.Context(), p.TenantID, r.PathValue("id"), p.UserID, p.RequestID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, run)
}

func (s *Server) handleVariantApprove(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceApproval, rbac.ActionApprove)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	kind := approval.VariantKind(r.PathValue("kind"))
	if !kind.Valid() {
		WriteInvalid(w, requestID(r), "kind must be lp, creative or ad_copy")
		return
	}
	view, err := s.approvals.ApproveVariant(r.Context(), p.TenantID, approval.DecisionRequest{
		Kind:      kind,
		VariantID: r.PathValue("id"),
		Actor:     p.UserID,
		RequestID: p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, view)
}

func (s *Server) handleVariantReject(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceApproval, rbac.ActionApprove)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	kind := approval.VariantKind(r.PathValue("kind"))
	if !kind.Valid() {
		WriteInvalid(w, requestID(r), "kind must be lp, creative or ad_copy")
		return
	}
	view, err := s.approvals.RejectVariant(r.Context(), p.TenantID, approval.DecisionRequest{
		Kind:      kind,
		VariantID: r.PathValue("id"),
		Actor:     p.UserID,
		RequestID: p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, view)
}

// handleVariantRevise replaces a variant's content. Approved content is
// immutable, so revising it yields a fresh draft at the next version.
func (s *Server) handleVariantRevise(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceVariant, rbac.ActionUpdate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	kind := approval.VariantKind(r.PathValue("kind"))
	if !kind.Valid() {
		WriteInvalid(w, requestID(r), "kind must be lp, creative or ad_copy")
		return
	}
	raw, err := readBody(r, maxBodyBytes)
	if err != nil || len(raw) == 0 {
		WriteInvalid(w, requestID(r), "content body is required")
		return
	}
	view, err := s.approvals.ReviseVariant(r.Context(), p.TenantID, approval.ReviseRequest{
		Kind:      kind,
		VariantID: r.PathValue("id"),
		Content:   raw,
		Actor:     p.UserID,
		RequestID: p.RequestID,
	})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, view)
}
