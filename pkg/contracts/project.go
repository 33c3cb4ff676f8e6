package contracts

import "time"

// Project is a product or offer a tenant experiments on. It owns brand
// assets, the conversion definition and the NG rules applied to generated
// content.
type Project struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	Name          string        `json:"name"`
	BrandAssets   BrandAssets   `json:"brand_assets"`
	ConversionDef ConversionDef `json:"conversion_def"`
	NGRules       NGRules       `json:"ng_rules"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// BrandAssets collects the tenant-supplied creative inputs.
type BrandAssets struct {
	LogoURL      string   `json:"logo_url,omitempty"`
	BrandColors  []string `json:"brand_colors,omitempty"`
	FontFamily   string   `json:"font_family,omitempty"`
	ToneOfVoice  string   `json:"tone_of_voice,omitempty"`
	ProductShots []string `json:"product_shots,omitempty"`
}

// ConversionDef declares which first-party event counts as a conversion.
type ConversionDef struct {
	EventType string `json:"event_type"` // usually form_success
	Label     string `json:"label,omitempty"`
}

// NGRules are the content-safety rules applied to generated variants.
// Version gates schema evolution; unknown versions are rejected at the
// boundary.
type NGRules struct {
	Version             string          `json:"version"`
	BannedTerms         []string        `json:"banned_terms,omitempty"`
	BlockedPatterns     []string        `json:"blocked_patterns,omitempty"` // regex
	RequiredDisclaimers []string        `json:"required_disclaimers,omitempty"`
	ClaimEvidence       []ClaimEvidence `json:"claim_evidence,omitempty"`
	Normalize           NormalizeOpts   `json:"normalize,omitempty"`
}

// ClaimEvidence requires documentary evidence for a class of claims.
type ClaimEvidence struct {
	ClaimPattern string `json:"claim_pattern"` // regex
	EvidenceKind string `json:"evidence_kind"`
}

// NormalizeOpts controls text normalisation before NG matching.
type NormalizeOpts struct {
	FoldWidth bool `json:"fold_width,omitempty"`
	FoldCase  bool `json:"fold_case,omitempty"`
	StripWS   bool `json:"strip_ws,omitempty"`
}

// Intent is a hypothesis under a run. Variants hang off an intent.
type Intent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	RunID      string    `json:"run_id"`
	Title      string    `json:"title"`
	Hypothesis string    `json:"hypothesis"`
	Evidence   string    `json:"evidence,omitempty"`
	FAQ        []FAQItem `json:"faq,omitempty"`
	Priority   int       `json:"priority"`
	Status     string    `json:"status"` // active, archived
	CreatedAt  time.Time `json:"created_at"`
}

// FAQItem is one Q/A pair attached to an intent.
type FAQItem struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
