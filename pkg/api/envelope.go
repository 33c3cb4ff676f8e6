// Package api is the HTTP surface of the control plane: response envelopes,
// the stable error taxonomy, middleware and the route handlers. Every
// response is one of two envelopes:
//
//	{"status":"ok","data":{...}}
//	{"status":"error","error":code,"message":...,"requestId":...,details?}
package api

import (
	"encoding/json"
	"net/http"
)

// Stable error codes, identical across layers.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalidStatus   = "invalid_status"
	CodeGuardrailFailed = "guardrail_check_failed"
	CodeConflict        = "conflict"
	CodeRateLimited     = "rate_limited"
	CodeAdapterDisabled = "adapter_disabled"
	CodeTransportError  = "transport_error"
	CodeInternalError   = "internal_error"
)

type okEnvelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type errEnvelope struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// WriteOK writes the success envelope.
func WriteOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(okEnvelope{Status: "ok", Data: data})
}

// WriteErr writes the error envelope.
func WriteErr(w http.ResponseWriter, status int, code, message, requestID string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errEnvelope{
		Status:    "error",
		Error:     code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	})
}

// WriteInvalid is the 400 shorthand for request decoding and validation.
func WriteInvalid(w http.ResponseWriter, requestID, message string) {
	WriteErr(w, http.StatusBadRequest, CodeInvalidRequest, message, requestID, nil)
}
