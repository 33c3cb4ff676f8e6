package api

import (
	"net/http"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// handleEvent accepts one beacon from a published landing page. The endpoint
// is public; the ingestor validates run and variant bindings itself.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var raw contracts.RawEvent
	if err := decodeBody(r, maxBodyBytes, &raw); err != nil {
		WriteInvalid(w, requestID(r), "malformed event")
		return
	}
	res, err := s.ingestor.IngestBatch(r.Context(), []contracts.RawEvent{raw}, clientIP(r))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, res)
}

func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []contracts.RawEvent `json:"events"`
	}
	if err := decodeBody(r, maxBodyBytes, &req); err != nil || len(req.Events) == 0 {
		WriteInvalid(w, requestID(r), "events must be a non-empty array")
		return
	}
	res, err := s.ingestor.IngestBatch(r.Context(), req.Events, clientIP(r))
	if err != nil {
		writeDomainErr(w, s.log, requestID(r), err)
		return
	}
	WriteOK(w, res)
}
