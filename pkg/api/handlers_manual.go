package api

import (
	"encoding/json"
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
)

// handleManualBundleRegister records an ad set the operator launched by hand
// in Ads Manager. The tracking URL is derived the same way the publisher
// derives it, so manual and API-published bundles attribute identically.
func (s *Server) handleManualBundleRegister(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceBundle, rbac.ActionCreate)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		RunID             string `json:"runId"`
		IntentID          string `json:"intentId"`
		LpVariantID       string `json:"lpVariantId"`
		CreativeVariantID string `json:"creativeVariantId"`
		AdCopyID          string `json:"adCopyId"`
		PublishedURL      string `json:"publishedUrl"`
		PlatformAdID      string `json:"platformAdId,omitempty"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil ||
		req.RunID == "" || req.IntentID == "" || req.LpVariantID == "" ||
		req.CreativeVariantID == "" || req.AdCopyID == "" || req.PublishedURL == "" {
		WriteInvalid(w, requestID(r), "runId, intentId, lpVariantId, creativeVariantId, adCopyId and publishedUrl are required")
		return
	}
	run, err := s.stores.Runs.Get(r.Context(), p.TenantID, req.RunID)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}

	var policy *contracts.UTMPolicy
	if len(run.DesignJSON) > 0 {
		var design contracts.RunDesign
		if err := json.Unmarshal(run.DesignJSON, &design); err == nil {
			policy = design.UTMPolicy
		}
	}
	contentKey := publish.ContentKey(req.IntentID, req.LpVariantID, req.CreativeVariantID, req.AdCopyID)
	utm := publish.UTMString(policy, run.ID, contentKey)

	now := s.clock.Now()
	id, err := s.ids.New(now)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	bundle := &contracts.AdBundle{
		ID:                string(id),
		TenantID:          p.TenantID,
		RunID:             run.ID,
		IntentID:          req.IntentID,
		LpVariantID:       req.LpVariantID,
		CreativeVariantID: req.CreativeVariantID,
		AdCopyID:          req.AdCopyID,
		UTMString:         utm,
		TrackingURL:       publish.TrackingURL(req.PublishedURL, utm),
		Status:            contracts.BundleRunning,
		PlatformAdID:      req.PlatformAdID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.stores.Bundles.Create(r.Context(), bundle); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	if _, err := s.auditRec.Log(r.Context(), p.TenantID, audit.Record{
		Actor:      p.UserID,
		Action:     "ad_bundle.register_manual",
		TargetType: "ad_bundle",
		TargetID:   bundle.ID,
		After:      bundle,
		RequestID:  p.RequestID,
	}); err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, bundle)
}

// handleManualImport ingests a metrics CSV exported from Ads Manager. The
// import allowance is larger than the normal body cap.
func (s *Server) handleManualImport(w http.ResponseWriter, r *http.Request) {
	p, err := s.require(r, rbac.ResourceInsight, rbac.ActionImport)
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	var req struct {
		RunID     string `json:"runId"`
		CSV       string `json:"csv"`
		Overwrite *bool  `json:"overwrite,omitempty"`
	}
	if err := decodeBody(r, maxImportBytes, &req); err != nil || req.RunID == "" || req.CSV == "" {
		WriteInvalid(w, requestID(r), "runId and csv are required")
		return
	}
	summary, err := s.importer.ImportCSV(r.Context(), p.TenantID, req.RunID, []byte(req.CSV),
		insights.ImportOptions{Overwrite: req.Overwrite})
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, summary)
}
