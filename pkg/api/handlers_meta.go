package api

import (
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/meta"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
)

// metaEnabled checks the tenant kill switch for the ads platform adapter.
func (s *Server) metaEnabled(r *http.Request, tenantID string) bool {
	v, err := s.flags.Get(r.Context(), tenantID, contracts.FlagMetaAPIEnabled)
	return err == nil && v == "true"
}

func (s *Server) handleMetaConnectStart(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceConnection, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	if !s.metaEnabled(r, p.TenantID) {
		WriteErr(w, http.StatusServiceUnavailable, CodeAdapterDisabled,
			"ads platform integration is disabled for this tenant", requestID(r), nil)
		return
	}
	var req struct {
		RedirectURI string `json:"redirectUri"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.RedirectURI == "" {
		WriteInvalid(w, requestID(r), "redirectUri is required")
		return
	}
	authURL, state, err := s.oauth.Start(r.Context(), p.TenantID, p.UserID, req.RedirectURI)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]string{"authUrl": authURL, "state": state})
}

func (s *Server) handleMetaConnectCallback(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceConnection, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	if !s.metaEnabled(r, p.TenantID) {
		WriteErr(w, http.StatusServiceUnavailable, CodeAdapterDisabled,
			"ads platform integration is disabled for this tenant", requestID(r), nil)
		return
	}
	var req struct {
		Code      string `json:"code"`
		State     string `json:"state"`
		AccountID string `json:"accountId,omitempty"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || req.Code == "" || req.State == "" {
		WriteInvalid(w, requestID(r), "code and state are required")
		return
	}
	conn, err := s.oauth.Complete(r.Context(), req.Code, req.State)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	if conn.TenantID != p.TenantID {
		// The state was minted for another tenant; do not leak its existence.
		writeDomainErr(w, s.log, requestID(r), meta.ErrStateInvalid)
		return
	}
	if req.AccountID != "" {
		if conn, err = s.oauth.BindAccount(r.Context(), p.TenantID, conn.ID, req.AccountID); err != nil {
			writeDomainErr(w, s.log, requestID(r), err)
			return
		}
	}
	WriteOK(w, conn)
}

func (s *Server) handleMetaConnectionRevoke(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceConnection, rbac.ActionUpdate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	if err := s.oauth.Revoke(r.Context(), p.TenantID, r.PathValue("id")); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, map[string]string{"connectionId": r.PathValue("id"), "state": "revoked"})
}
