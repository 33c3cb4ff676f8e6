package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

// ErrSourceNotFinished rejects planning from a run that is still in flight.
var ErrSourceNotFinished = errors.New("planner: source run not completed")

// ChangeType classifies one diff entry.
type ChangeType string

const (
	ChangeUnchanged ChangeType = "unchanged"
	ChangeModified  ChangeType = "modified"
	ChangeAdded     ChangeType = "added"
	ChangeRemoved   ChangeType = "removed"
)

// DiffEntry is one line of the plan's change log.
type DiffEntry struct {
	Element    string     `json:"element"` // e.g. intent:IN1, lp:IN1, banner:IN1/1:1
	ChangeType ChangeType `json:"changeType"`
	Details    string     `json:"details,omitempty"`
}

// Planner builds child runs.
type Planner struct {
	stores *repo.Stores
	audit  *audit.Recorder
	ids    *ulid.Factory
	clock  ulid.Clock
	log    *slog.Logger
}

func NewPlanner(stores *repo.Stores, rec *audit.Recorder, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Planner {
	return &Planner{stores: stores, audit: rec, ids: ids, clock: clock, log: log}
}

// Plan is the result of GenerateNextRun.
type Plan struct {
	Run  *contracts.Run
	Diff []DiffEntry
}

// GenerateNextRun creates a draft child run from a completed source run.
// Locked elements are copied byte-identical; explore caps bound the planned
// additions; overrides, when given, replace the source run's granularity
// document.
func (p *Planner) GenerateNextRun(ctx context.Context, tenantID, sourceRunID string, overrides *FixedGranularity, actor, requestID string) (*Plan, error) {
	src, err := p.stores.Runs.Get(ctx, tenantID, sourceRunID)
	if err != nil {
		return nil, err
	}
	if src.Status != contracts.RunCompleted {
		return nil, fmt.Errorf("%w: status is %s", ErrSourceNotFinished, src.Status)
	}

	gran := overrides
	if gran == nil {
		if len(src.FixedGranJSON) > 0 {
			gran, err = ParseGranularity(src.FixedGranJSON)
			if err != nil {
				return nil, err
			}
		} else {
			gran = &FixedGranularity{Version: "1.0.0"}
		}
	}

	now := p.clock.Now()
	runID, err := p.ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("planner: id: %w", err)
	}
	child := &contracts.Run{
		ID:        string(runID),
		TenantID:  tenantID,
		ProjectID: src.ProjectID,
		Name:      nextRunName(src.Name),
		Mode:      src.Mode,
		Status:    contracts.RunDraft,
		// The four documents carry over verbatim; the author edits from there.
		DesignJSON:        src.DesignJSON,
		StopRulesJSON:     src.StopRulesJSON,
		FixedGranJSON:     src.FixedGranJSON,
		DecisionRulesJSON: src.DecisionRulesJSON,
		BudgetCap:         src.BudgetCap,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := p.stores.Runs.Create(ctx, child); err != nil {
		return nil, err
	}

	intents, err := p.stores.Intents.ListByRun(ctx, tenantID, sourceRunID)
	if err != nil {
		return nil, err
	}

	var diff []DiffEntry
	for _, intent := range intents {
		if intent.Status != "active" {
			continue
		}
		if !gran.carriesIntent(intent.ID) {
			diff = append(diff, DiffEntry{
				Element:    "intent:" + intent.ID,
				ChangeType: ChangeRemoved,
				Details:    "not locked; replacement allowed",
			})
			continue
		}
		entries, err := p.copyIntent(ctx, child, intent, gran, now)
		if err != nil {
			return nil, err
		}
		diff = append(diff, entries...)
	}

	for i := 0; i < gran.Explore.Intent.MaxNewIntents; i++ {
		diff = append(diff, DiffEntry{
			Element:    fmt.Sprintf("intent:new-%d", i+1),
			ChangeType: ChangeAdded,
			Details:    "slot for a new intent",
		})
	}

	if _, err := p.audit.Log(ctx, tenantID, audit.Record{
		Actor:      actor,
		Action:     "run.plan_next",
		TargetType: "run",
		TargetID:   child.ID,
		After:      map[string]any{"source_run_id": sourceRunID, "diff": diff},
		RequestID:  requestID,
	}); err != nil {
		return nil, err
	}
	p.log.Info("next run planned",
		"tenant_id", tenantID, "source_run_id", sourceRunID,
		"run_id", child.ID, "diff_entries", len(diff))
	return &Plan{Run: child, Diff: diff}, nil
}

// copyIntent clones the intent and its latest approved variants into the
// child run, emitting diff entries per element.
func (p *Planner) copyIntent(ctx context.Context, child *contracts.Run, src *contracts.Intent, gran *FixedGranularity, now time.Time) ([]DiffEntry, error) {
	id, err := p.ids.New(now)
	if err != nil {
		return nil, err
	}
	clone := *src
	clone.ID = string(id)
	clone.RunID = child.ID
	clone.CreatedAt = now
	if err := p.stores.Intents.Create(ctx, &clone); err != nil {
		return nil, err
	}

	change := ChangeModified
	details := "carried; hypothesis open for revision"
	if gran.intentLocked(src.ID) {
		change = ChangeUnchanged
		details = "locked"
	}
	diff := []DiffEntry{{Element: "intent:" + src.ID, ChangeType: change, Details: details}}

	lpDiff, err := p.copyLp(ctx, child, src.ID, clone.ID, gran, now)
	if err != nil {
		return nil, err
	}
	diff = append(diff, lpDiff...)

	bannerDiff, err := p.copyCreatives(ctx, child, src.ID, clone.ID, gran, now)
	if err != nil {
		return nil, err
	}
	diff = append(diff, bannerDiff...)

	copyDiff, err := p.copyAdCopy(ctx, child, src.ID, clone.ID, gran, now)
	if err != nil {
		return nil, err
	}
	diff = append(diff, copyDiff...)

	for i := 0; i < gran.Explore.Lp.MaxNewFVCopies; i++ {
		diff = append(diff, DiffEntry{
			Element:    fmt.Sprintf("lp_copy:%s/fv-%d", src.ID, i+1),
			ChangeType: ChangeAdded,
			Details:    "slot for a new first-view copy",
		})
	}
	for i := 0; i < gran.Explore.Lp.MaxNewCTACopies; i++ {
		diff = append(diff, DiffEntry{
			Element:    fmt.Sprintf("lp_copy:%s/cta-%d", src.ID, i+1),
			ChangeType: ChangeAdded,
			Details:    "slot for a new cta copy",
		})
	}
	for i := 0; i < gran.Explore.Banner.MaxNewTextVariants; i++ {
		diff = append(diff, DiffEntry{
			Element:    fmt.Sprintf("banner_text:%s/%d", src.ID, i+1),
			ChangeType: ChangeAdded,
			Details:    "slot for a new banner text variant",
		})
	}
	return diff, nil
}

func (p *Planner) copyLp(ctx context.Context, child *contracts.Run, srcIntentID, newIntentID string, gran *FixedGranularity, now time.Time) ([]DiffEntry, error) {
	v, err := p.latestApprovedLp(ctx, child.TenantID, srcIntentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	id, err := p.ids.New(now)
	if err != nil {
		return nil, err
	}
	clone := *v
	clone.ID = string(id)
	clone.IntentID = newIntentID
	clone.Version = 1
	clone.Approval = contracts.Approval{Status: contracts.ApprovalDraft}
	clone.CreatedAt = now
	if err := p.stores.LpVariants.Create(ctx, &clone); err != nil {
		return nil, err
	}

	locks := gran.Fixed.Lp
	var open []string
	if !locks.LockStructure {
		open = append(open, "structure")
	}
	if !locks.LockTheme {
		open = append(open, "theme")
	}
	if len(locks.LockBlocks) == 0 && len(locks.LockCopyPaths) == 0 {
		open = append(open, "blocks")
	}
	entry := DiffEntry{Element: "lp:" + srcIntentID, ChangeType: ChangeUnchanged, Details: "locked"}
	if len(open) > 0 {
		entry.ChangeType = ChangeModified
		entry.Details = "open: " + strings.Join(open, ", ")
	}
	return []DiffEntry{entry}, nil
}

func (p *Planner) copyCreatives(ctx context.Context, child *contracts.Run, srcIntentID, newIntentID string, gran *FixedGranularity, now time.Time) ([]DiffEntry, error) {
	all, err := p.stores.Creatives.ListByIntent(ctx, child.TenantID, srcIntentID)
	if err != nil {
		return nil, err
	}
	latest := map[contracts.CreativeSize]*contracts.CreativeVariant{}
	for _, v := range all {
		if v.Approval.Status != contracts.ApprovalApproved {
			continue
		}
		if cur, ok := latest[v.Size]; !ok || v.Version > cur.Version {
			latest[v.Size] = v
		}
	}

	var diff []DiffEntry
	for _, size := range []contracts.CreativeSize{contracts.SizeSquare, contracts.SizePortrait, contracts.SizeStory} {
		v, ok := latest[size]
		if !ok {
			continue
		}
		element := fmt.Sprintf("banner:%s/%s", srcIntentID, size)
		if !gran.carriesSize(size) {
			diff = append(diff, DiffEntry{Element: element, ChangeType: ChangeRemoved, Details: "size not locked"})
			continue
		}
		id, err := p.ids.New(now)
		if err != nil {
			return nil, err
		}
		clone := *v
		clone.ID = string(id)
		clone.IntentID = newIntentID
		clone.Version = 1
		clone.Approval = contracts.Approval{Status: contracts.ApprovalDraft}
		clone.CreatedAt = now
		if err := p.stores.Creatives.Create(ctx, &clone); err != nil {
			return nil, err
		}

		locks := gran.Fixed.Banner
		var open []string
		if !locks.LockTemplate {
			open = append(open, "template")
		}
		if !locks.LockImageLayout {
			open = append(open, "image_layout")
		}
		if !locks.LockTextLayers {
			open = append(open, "text_layers")
		}
		entry := DiffEntry{Element: element, ChangeType: ChangeUnchanged, Details: "locked"}
		if len(open) > 0 {
			entry.ChangeType = ChangeModified
			entry.Details = "open: " + strings.Join(open, ", ")
		}
		diff = append(diff, entry)
	}
	return diff, nil
}

func (p *Planner) copyAdCopy(ctx context.Context, child *contracts.Run, srcIntentID, newIntentID string, gran *FixedGranularity, now time.Time) ([]DiffEntry, error) {
	all, err := p.stores.AdCopies.ListByIntent(ctx, child.TenantID, srcIntentID)
	if err != nil {
		return nil, err
	}
	var latest *contracts.AdCopy
	for _, v := range all {
		if v.Approval.Status != contracts.ApprovalApproved {
			continue
		}
		if latest == nil || v.Version > latest.Version {
			latest = v
		}
	}
	if latest == nil {
		return nil, nil
	}

	id, err := p.ids.New(now)
	if err != nil {
		return nil, err
	}
	clone := *latest
	clone.ID = string(id)
	clone.IntentID = newIntentID
	clone.Version = 1
	clone.Approval = contracts.Approval{Status: contracts.ApprovalDraft}
	clone.CreatedAt = now
	if err := p.stores.AdCopies.Create(ctx, &clone); err != nil {
		return nil, err
	}

	locks := gran.Fixed.AdCopy
	var open []string
	if !locks.LockPrimaryText {
		open = append(open, "primary_text")
	}
	if !locks.LockHeadline {
		open = append(open, "headline")
	}
	if !locks.LockDescription {
		open = append(open, "description")
	}
	entry := DiffEntry{Element: "ad_copy:" + srcIntentID, ChangeType: ChangeUnchanged, Details: "locked"}
	if len(open) > 0 {
		entry.ChangeType = ChangeModified
		entry.Details = "open: " + strings.Join(open, ", ")
	}
	return []DiffEntry{entry}, nil
}

func (p *Planner) latestApprovedLp(ctx context.Context, tenantID, intentID string) (*contracts.LpVariant, error) {
	all, err := p.stores.LpVariants.ListByIntent(ctx, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	var latest *contracts.LpVariant
	for _, v := range all {
		if v.Approval.Status != contracts.ApprovalApproved {
			continue
		}
		if latest == nil || v.Version > latest.Version {
			latest = v
		}
	}
	if latest == nil {
		return nil, repo.ErrNotFound
	}
	return latest, nil
}

func nextRunName(name string) string {
	if name == "" {
		return "next run"
	}
	return name + " / next"
}
