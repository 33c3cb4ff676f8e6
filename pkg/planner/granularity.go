// Package planner derives a follow-on run from a finished one under the
// fixed-granularity document: locked elements carry over byte-identical,
// explore caps bound what the generator may add.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// ErrBadGranularity marks an undecodable or invalid granularity document.
var ErrBadGranularity = errors.New("planner: bad granularity document")

// FixedGranularity is the versioned carry-over control document.
type FixedGranularity struct {
	Version string          `json:"version"`
	Fixed   FixedSettings   `json:"fixed"`
	Explore ExploreSettings `json:"explore"`
}

// FixedSettings declares what is locked between parent and child run.
type FixedSettings struct {
	Intent IntentLocks `json:"intent"`
	Lp     LpLocks     `json:"lp"`
	Banner BannerLocks `json:"banner"`
	AdCopy AdCopyLocks `json:"ad_copy"`
}

// IntentLocks pins specific intents. An empty list carries every intent.
type IntentLocks struct {
	LockIntentIDs []string `json:"lock_intent_ids,omitempty"`
}

// LpLocks pins parts of the landing-page document.
type LpLocks struct {
	LockStructure bool     `json:"lock_structure,omitempty"`
	LockTheme     bool     `json:"lock_theme,omitempty"`
	LockBlocks    []string `json:"lock_blocks,omitempty"`     // block kinds
	LockCopyPaths []string `json:"lock_copy_paths,omitempty"` // kind.key
}

// BannerLocks pins parts of the creative.
type BannerLocks struct {
	LockTemplate    bool                     `json:"lock_template,omitempty"`
	LockImageLayout bool                     `json:"lock_image_layout,omitempty"`
	LockTextLayers  bool                     `json:"lock_text_layers,omitempty"`
	LockSizes       []contracts.CreativeSize `json:"lock_sizes,omitempty"`
}

// AdCopyLocks pins the ad-copy text fields.
type AdCopyLocks struct {
	LockPrimaryText bool `json:"lock_primary_text,omitempty"`
	LockHeadline    bool `json:"lock_headline,omitempty"`
	LockDescription bool `json:"lock_description,omitempty"`
}

// ExploreSettings caps what the child run may add.
type ExploreSettings struct {
	Intent IntentExplore `json:"intent"`
	Lp     LpExplore     `json:"lp"`
	Banner BannerExplore `json:"banner"`
}

type IntentExplore struct {
	MaxNewIntents       int  `json:"max_new_intents,omitempty"`
	AllowReplaceIntents bool `json:"allow_replace_intents,omitempty"`
}

type LpExplore struct {
	MaxNewFVCopies    int  `json:"max_new_fv_copies,omitempty"`
	MaxNewCTACopies   int  `json:"max_new_cta_copies,omitempty"`
	AllowBlockReorder bool `json:"allow_block_reorder,omitempty"`
}

type BannerExplore struct {
	MaxNewTextVariants int  `json:"max_new_text_variants,omitempty"`
	AllowNewTemplates  bool `json:"allow_new_templates,omitempty"`
}

// ParseGranularity decodes and minimally validates a document.
func ParseGranularity(raw json.RawMessage) (*FixedGranularity, error) {
	var g FixedGranularity
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrBadGranularity, err)
	}
	if g.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrBadGranularity)
	}
	for _, c := range []int{
		g.Explore.Intent.MaxNewIntents,
		g.Explore.Lp.MaxNewFVCopies,
		g.Explore.Lp.MaxNewCTACopies,
		g.Explore.Banner.MaxNewTextVariants,
	} {
		if c < 0 {
			return nil, fmt.Errorf("%w: explore caps must be non-negative", ErrBadGranularity)
		}
	}
	return &g, nil
}

// carriesIntent reports whether the intent survives into the child run.
func (g *FixedGranularity) carriesIntent(id string) bool {
	if len(g.Fixed.Intent.LockIntentIDs) == 0 {
		return true
	}
	for _, locked := range g.Fixed.Intent.LockIntentIDs {
		if locked == id {
			return true
		}
	}
	// Unlocked intents are only dropped when replacement is allowed.
	return !g.Explore.Intent.AllowReplaceIntents
}

// intentLocked reports whether the intent was pinned explicitly.
func (g *FixedGranularity) intentLocked(id string) bool {
	for _, locked := range g.Fixed.Intent.LockIntentIDs {
		if locked == id {
			return true
		}
	}
	return false
}

// carriesSize reports whether a creative size survives.
func (g *FixedGranularity) carriesSize(size contracts.CreativeSize) bool {
	if len(g.Fixed.Banner.LockSizes) == 0 {
		return true
	}
	for _, s := range g.Fixed.Banner.LockSizes {
		if s == size {
			return true
		}
	}
	return false
}
