package contracts

import "time"

// EventType is a first-party signal kind.
type EventType string

const (
	EventPageview    EventType = "pageview"
	EventCTAClick    EventType = "cta_click"
	EventFormSubmit  EventType = "form_submit"
	EventFormSuccess EventType = "form_success"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPageview, EventCTAClick, EventFormSubmit, EventFormSuccess:
		return true
	}
	return false
}

// RawEvent is the wire shape of the v1 event protocol.
type RawEvent struct {
	V           int               `json:"v"`
	EventID     string            `json:"event_id"`
	TsMs        int64             `json:"ts_ms"`
	EventType   EventType         `json:"event_type"`
	SessionID   string            `json:"session_id"`
	RunID       string            `json:"run_id"`
	LpVariantID string            `json:"lp_variant_id"`
	PageURL     string            `json:"page_url"`
	Referrer    string            `json:"referrer,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Event is the enriched, persisted form. (tenant, event_id) is unique within
// the dedup horizon.
type Event struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	EventID     string    `json:"event_id"`
	EventType   EventType `json:"event_type"`
	OccurredAt  time.Time `json:"occurred_at"`
	SessionID   string    `json:"session_id"`
	RunID       string    `json:"run_id"`
	IntentID    string    `json:"intent_id,omitempty"`
	LpVariantID string    `json:"lp_variant_id"`
	AdBundleID  string    `json:"ad_bundle_id,omitempty"`
	PageURL     string    `json:"page_url"`
	Referrer    string    `json:"referrer,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	UTM         UTMFields `json:"utm"`
	IPHash      string    `json:"ip_hash,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// UTMFields are the recognised tracking parameters parsed from the page URL.
type UTMFields struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`

	// Custom keys carried alongside the standard five.
	AdBundleID        string `json:"ad_bundle_id,omitempty"`
	CreativeVariantID string `json:"creative_variant_id,omitempty"`
	IntentID          string `json:"intent_id,omitempty"`
}

// BatchResult reports the outcome of a batch ingest. Partial success is
// expressed by counts, not an error status.
type BatchResult struct {
	OK       bool              `json:"ok"`
	Ingested int               `json:"ingested"`
	Deduped  int               `json:"deduped"`
	Rejected int               `json:"rejected"`
	Errors   map[string]string `json:"errors,omitempty"` // event_id -> message
}
