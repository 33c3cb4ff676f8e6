package contracts

import "time"

// ApprovalStatus is the review status of a variant. Once approved, the
// (content, hash, approver) triple is immutable; edits create a new version.
type ApprovalStatus string

const (
	ApprovalDraft     ApprovalStatus = "draft"
	ApprovalSubmitted ApprovalStatus = "submitted"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
)

// CreativeSize is the aspect ratio of a creative variant.
type CreativeSize string

const (
	SizeSquare   CreativeSize = "1:1"
	SizePortrait CreativeSize = "4:5"
	SizeStory    CreativeSize = "9:16"
)

// Valid reports whether s is a supported creative size.
func (s CreativeSize) Valid() bool {
	return s == SizeSquare || s == SizePortrait || s == SizeStory
}

// Approval carries the review state shared by all variant kinds.
type Approval struct {
	Status       ApprovalStatus `json:"status"`
	ApprovedHash string         `json:"approved_hash,omitempty"`
	ApprovedBy   string         `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time     `json:"approved_at,omitempty"`
}

// LpVariant is a landing-page variant under an intent. Version is monotonic
// per intent.
type LpVariant struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	IntentID     string    `json:"intent_id"`
	Version      int       `json:"version"`
	Content      LpContent `json:"content"`
	PublishedURL string    `json:"published_url,omitempty"`
	Approval     Approval  `json:"approval"`
	CreatedAt    time.Time `json:"created_at"`
}

// LpContent is the structured landing-page document.
type LpContent struct {
	Theme     string    `json:"theme,omitempty"`
	Structure string    `json:"structure,omitempty"`
	Blocks    []LpBlock `json:"blocks,omitempty"`
}

// LpBlock is one section of the landing page.
type LpBlock struct {
	Kind string            `json:"kind"` // fv, features, faq, cta, ...
	Copy map[string]string `json:"copy,omitempty"`
}

// CreativeVariant is a banner creative under an intent. Version is monotonic
// per (intent, size).
type CreativeVariant struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	IntentID  string          `json:"intent_id"`
	Size      CreativeSize    `json:"size"`
	Version   int             `json:"version"`
	Content   CreativeContent `json:"content"`
	Approval  Approval        `json:"approval"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreativeContent describes the composed banner.
type CreativeContent struct {
	Template    string   `json:"template,omitempty"`
	ImageLayout string   `json:"image_layout,omitempty"`
	TextLayers  []string `json:"text_layers,omitempty"`
	ImageKey    string   `json:"image_key,omitempty"` // object-store key
}

// AdCopy is the text ad under an intent. Version is monotonic per intent.
type AdCopy struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	IntentID  string        `json:"intent_id"`
	Version   int           `json:"version"`
	Content   AdCopyContent `json:"content"`
	Approval  Approval      `json:"approval"`
	CreatedAt time.Time     `json:"created_at"`
}

// AdCopyContent is the platform-facing ad text.
type AdCopyContent struct {
	PrimaryText string `json:"primary_text"`
	Headline    string `json:"headline"`
	Description string `json:"description,omitempty"`
}
