package contracts

import "encoding/json"

// AuditEntry is one record in a tenant's tamper-evident chain.
//
//	hash = SHA256(id ‖ tenant ‖ actor ‖ action ‖ target_type ‖ target_id ‖
//	              before ‖ after ‖ prev_hash ‖ request_id ‖ ts_ms)
//
// computed over the JCS-canonical form of those fields.
type AuditEntry struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	IPHash     string          `json:"ip_hash,omitempty"`
	TsMs       int64           `json:"ts_ms"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// ChainReport is the result of verifying a tenant's audit chain.
type ChainReport struct {
	Valid          bool         `json:"valid"`
	EntriesChecked int          `json:"entriesChecked"`
	Errors         []ChainError `json:"errors,omitempty"`
}

// ChainError pinpoints one broken link.
type ChainError struct {
	EntryID string `json:"entry_id"`
	Index   int    `json:"index"`
	Reason  string `json:"reason"`
}
