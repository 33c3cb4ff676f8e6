// Package approval is the review workflow over variants and runs. A variant
// approval freezes its content under a canonical hash; editing an approved
// variant never mutates it in place but creates the next version. A run
// approval requires at least one fully approved combination and stamps the
// timestamp the lifecycle preflight checks before the run may advance.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/canonical"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

var (
	// ErrUnknownKind rejects a variant kind outside lp/creative/ad_copy.
	ErrUnknownKind = errors.New("approval: unknown variant kind")
	// ErrAlreadyApproved rejects re-approval of an approved variant or run.
	ErrAlreadyApproved = errors.New("approval: already approved")
	// ErrNotReviewable means the run is not in ready_for_review.
	ErrNotReviewable = errors.New("approval: run is not ready for review")
	// ErrVariantsNotApproved blocks run approval while no intent has an
	// approved lp, creative and ad copy.
	ErrVariantsNotApproved = errors.New("approval: no intent has a fully approved variant set")
	// ErrBadContent rejects revision content that does not parse.
	ErrBadContent = errors.New("approval: content does not parse")
)

// VariantKind selects which variant repository an operation addresses.
type VariantKind string

const (
	KindLp       VariantKind = "lp"
	KindCreative VariantKind = "creative"
	KindAdCopy   VariantKind = "ad_copy"
)

// Valid reports whether k is a known variant kind.
func (k VariantKind) Valid() bool {
	return k == KindLp || k == KindCreative || k == KindAdCopy
}

// VariantView is the uniform response for variant-level operations.
type VariantView struct {
	Kind      VariantKind        `json:"kind"`
	VariantID string             `json:"variant_id"`
	IntentID  string             `json:"intent_id"`
	Version   int                `json:"version"`
	Approval  contracts.Approval `json:"approval"`
}

// Service runs the approval workflow.
type Service struct {
	stores *repo.Stores
	audit  *audit.Recorder
	ids    *ulid.Factory
	clock  ulid.Clock
	log    *slog.Logger
}

func NewService(stores *repo.Stores, rec *audit.Recorder, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Service {
	return &Service{stores: stores, audit: rec, ids: ids, clock: clock, log: log}
}

// DecisionRequest identifies one variant and the acting reviewer.
type DecisionRequest struct {
	Kind      VariantKind
	VariantID string
	Actor     string
	RequestID string
}

// ApproveVariant freezes the variant content: the approval records the
// canonical hash of the content at this moment, and the hash is what publish
// later folds into bundle identities.
func (s *Service) ApproveVariant(ctx context.Context, tenantID string, req DecisionRequest) (*VariantView, error) {
	ref, err := s.load(ctx, tenantID, req.Kind, req.VariantID)
	if err != nil {
		return nil, err
	}
	if ref.approval.Status == contracts.ApprovalApproved {
		return nil, fmt.Errorf("%w: %s %s", ErrAlreadyApproved, req.Kind, req.VariantID)
	}
	hash, err := canonical.Hash(ref.content)
	if err != nil {
		return nil, err
	}
	before := *ref.approval
	now := s.clock.Now()
	*ref.approval = contracts.Approval{
		Status:       contracts.ApprovalApproved,
		ApprovedHash: hash,
		ApprovedBy:   req.Actor,
		ApprovedAt:   &now,
	}
	if err := ref.save(ctx); err != nil {
		return nil, err
	}
	if _, err := s.audit.Log(ctx, tenantID, audit.Record{
		Actor:      req.Actor,
		Action:     string(req.Kind) + "_variant.approve",
		TargetType: string(req.Kind) + "_variant",
		TargetID:   req.VariantID,
		Before:     before,
		After:      *ref.approval,
		RequestID:  req.RequestID,
	}); err != nil {
		return nil, err
	}
	s.log.Info("variant approved",
		"tenant_id", tenantID, "kind", string(req.Kind),
		"variant_id", req.VariantID, "actor", req.Actor)
	return ref.view(req.Kind, req.VariantID), nil
}

// RejectVariant sends the variant back to its author. No hash is recorded;
// the content stays editable in place.
func (s *Service) RejectVariant(ctx context.Context, tenantID string, req DecisionRequest) (*VariantView, error) {
	ref, err := s.load(ctx, tenantID, req.Kind, req.VariantID)
	if err != nil {
		return nil, err
	}
	if ref.approval.Status == contracts.ApprovalApproved {
		return nil, fmt.Errorf("%w: %s %s", ErrAlreadyApproved, req.Kind, req.VariantID)
	}
	before := *ref.approval
	*ref.approval = contracts.Approval{Status: contracts.ApprovalRejected}
	if err := ref.save(ctx); err != nil {
		return nil, err
	}
	if _, err := s.audit.Log(ctx, tenantID, audit.Record{
		Actor:      req.Actor,
		Action:     string(req.Kind) + "_variant.reject",
		TargetType: string(req.Kind) + "_variant",
		TargetID:   req.VariantID,
		Before:     before,
		After:      *ref.approval,
		RequestID:  req.RequestID,
	}); err != nil {
		return nil, err
	}
	return ref.view(req.Kind, req.VariantID), nil
}

// ReviseRequest carries replacement content for one variant.
type ReviseRequest struct {
	Kind      VariantKind
	VariantID string
	Content   json.RawMessage
	Actor     string
	RequestID string
}

// ReviseVariant replaces a variant's content. An unapproved variant is edited
// in place and reset to draft; an approved variant is immutable, so the
// revision lands as a new row at the intent's next version.
func (s *Service) ReviseVariant(ctx context.Context, tenantID string, req ReviseRequest) (*VariantView, error) {
	switch req.Kind {
	case KindLp:
		return s.reviseLp(ctx, tenantID, req)
	case KindCreative:
		return s.reviseCreative(ctx, tenantID, req)
	case KindAdCopy:
		return s.reviseAdCopy(ctx, tenantID, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
}

// ApproveRun records the reviewer's sign-off on the whole run. It requires
// ready_for_review and at least one intent whose lp, creative and ad copy are
// all approved, which is exactly what publish needs to admit a combination.
func (s *Service) ApproveRun(ctx context.Context, tenantID, runID, actor, requestID string) (*contracts.Run, error) {
	run, err := s.stores.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.ApprovedAt != nil {
		return nil, fmt.Errorf("%w: run %s", ErrAlreadyApproved, runID)
	}
	if run.Status != contracts.RunReadyForReview {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReviewable, run.Status)
	}

	ok, err := s.hasApprovedCombination(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrVariantsNotApproved
	}

	before := *run
	now := s.clock.Now()
	run.ApprovedAt = &now
	run.UpdatedAt = now
	if err := s.stores.Runs.Update(ctx, run); err != nil {
		return nil, err
	}
	if _, err := s.audit.Log(ctx, tenantID, audit.Record{
		Actor:      actor,
		Action:     "run.approve",
		TargetType: "run",
		TargetID:   runID,
		Before:     &before,
		After:      run,
		RequestID:  requestID,
	}); err != nil {
		return nil, err
	}
	s.log.Info("run approved", "tenant_id", tenantID, "run_id", runID, "actor", actor)
	return run, nil
}

// hasApprovedCombination reports whether any intent of the run carries at
// least one approved variant of every kind.
func (s *Service) hasApprovedCombination(ctx context.Context, tenantID, runID string) (bool, error) {
	intents, err := s.stores.Intents.ListByRun(ctx, tenantID, runID)
	if err != nil {
		return false, err
	}
	for _, intent := range intents {
		lps, err := s.stores.LpVariants.ListByIntent(ctx, tenantID, intent.ID)
		if err != nil {
			return false, err
		}
		if !anyApprovedLp(lps) {
			continue
		}
		creatives, err := s.stores.Creatives.ListByIntent(ctx, tenantID, intent.ID)
		if err != nil {
			return false, err
		}
		if !anyApprovedCreative(creatives) {
			continue
		}
		copies, err := s.stores.AdCopies.ListByIntent(ctx, tenantID, intent.ID)
		if err != nil {
			return false, err
		}
		if anyApprovedAdCopy(copies) {
			return true, nil
		}
	}
	return false, nil
}

func anyApprovedLp(vs []*contracts.LpVariant) bool {
	for _, v := range vs {
		if v.Approval.Status == contracts.ApprovalApproved {
			return true
		}
	}
	return false
}

func anyApprovedCreative(vs []*contracts.CreativeVariant) bool {
	for _, v := range vs {
		if v.Approval.Status == contracts.ApprovalApproved {
			return true
		}
	}
	return false
}

func anyApprovedAdCopy(vs []*contracts.AdCopy) bool {
	for _, v := range vs {
		if v.Approval.Status == contracts.ApprovalApproved {
			return true
		}
	}
	return false
}

// variantRef is the kind-erased handle the decision operations work on.
// approval points into the loaded row; save writes the row back.
type variantRef struct {
	intentID string
	version  int
	approval *contracts.Approval
	content  any
	save     func(context.Context) error
}

func (r *variantRef) view(kind VariantKind, id string) *VariantView {
	return &VariantView{
		Kind:      kind,
		VariantID: id,
		IntentID:  r.intentID,
		Version:   r.version,
		Approval:  *r.approval,
	}
}

func (s *Service) load(ctx context.Context, tenantID string, kind VariantKind, id string) (*variantRef, error) {
	switch kind {
	case KindLp:
		v, err := s.stores.LpVariants.Get(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		return &variantRef{
			intentID: v.IntentID,
			version:  v.Version,
			approval: &v.Approval,
			content:  v.Content,
			save:     func(ctx context.Context) error { return s.stores.LpVariants.Update(ctx, v) },
		}, nil
	case KindCreative:
		v, err := s.stores.Creatives.Get(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		return &variantRef{
			intentID: v.IntentID,
			version:  v.Version,
			approval: &v.Approval,
			content:  v.Content,
			save:     func(ctx context.Context) error { return s.stores.Creatives.Update(ctx, v) },
		}, nil
	case KindAdCopy:
		v, err := s.stores.AdCopies.Get(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		return &variantRef{
			intentID: v.IntentID,
			version:  v.Version,
			approval: &v.Approval,
			content:  v.Content,
			save:     func(ctx context.Context) error { return s.stores.AdCopies.Update(ctx, v) },
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func (s *Service) reviseLp(ctx context.Context, tenantID string, req ReviseRequest) (*VariantView, error) {
	cur, err := s.stores.LpVariants.Get(ctx, tenantID, req.VariantID)
	if err != nil {
		return nil, err
	}
	var content contracts.LpContent
	if err := json.Unmarshal(req.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadContent, err)
	}

	if cur.Approval.Status != contracts.ApprovalApproved {
		cur.Content = content
		cur.Approval = contracts.Approval{Status: contracts.ApprovalDraft}
		if err := s.stores.LpVariants.Update(ctx, cur); err != nil {
			return nil, err
		}
		return s.auditRevision(ctx, tenantID, req, cur.IntentID, cur.ID, cur.Version, cur.Approval)
	}

	version, err := s.stores.LpVariants.NextVersion(ctx, tenantID, cur.IntentID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	id, err := s.ids.New(now)
	if err != nil {
		return nil, err
	}
	next := &contracts.LpVariant{
		ID:        string(id),
		TenantID:  tenantID,
		IntentID:  cur.IntentID,
		Version:   version,
		Content:   content,
		Approval:  contracts.Approval{Status: contracts.ApprovalDraft},
		CreatedAt: now,
	}
	if err := s.stores.LpVariants.Create(ctx, next); err != nil {
		return nil, err
	}
	return s.auditRevision(ctx, tenantID, req, next.IntentID, next.ID, next.Version, next.Approval)
}

func (s *Service) reviseCreative(ctx context.Context, tenantID string, req ReviseRequest) (*VariantView, error) {
	cur, err := s.stores.Creatives.Get(ctx, tenantID, req.VariantID)
	if err != nil {
		return nil, err
	}
	var content contracts.CreativeContent
	if err := json.Unmarshal(req.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadContent, err)
	}

	if cur.Approval.Status != contracts.ApprovalApproved {
		cur.Content = content
		cur.Approval = contracts.Approval{Status: contracts.ApprovalDraft}
		if err := s.stores.Creatives.Update(ctx, cur); err != nil {
			return nil, err
		}
		return s.auditRevision(ctx, tenantID, req, cur.IntentID, cur.ID, cur.Version, cur.Approval)
	}

	version, err := s.stores.Creatives.NextVersion(ctx, tenantID, cur.IntentID, cur.Size)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	id, err := s.ids.New(now)
	if err != nil {
		return nil, err
	}
	next := &contracts.CreativeVariant{
		ID:        string(id),
		TenantID:  tenantID,
		IntentID:  cur.IntentID,
		Size:      cur.Size,
		Version:   version,
		Content:   content,
		Approval:  contracts.Approval{Status: contracts.ApprovalDraft},
		CreatedAt: now,
	}
	if err := s.stores.Creatives.Create(ctx, next); err != nil {
		return nil, err
	}
	return s.auditRevision(ctx, tenantID, req, next.IntentID, next.ID, next.Version, next.Approval)
}

func (s *Service) reviseAdCopy(ctx context.Context, tenantID string, req ReviseRequest) (*VariantView, error) {
	cur, err := s.stores.AdCopies.Get(ctx, tenantID, req.VariantID)
	if err != nil {
		return nil, err
	}
	var content contracts.AdCopyContent
	if err := json.Unmarshal(req.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadContent, err)
	}

	if cur.Approval.Status != contracts.ApprovalApproved {
		cur.Content = content
		cur.Approval = contracts.Approval{Status: contracts.ApprovalDraft}
		if err := s.stores.AdCopies.Update(ctx, cur); err != nil {
			return nil, err
		}
		return s.auditRevision(ctx, tenantID, req, cur.IntentID, cur.ID, cur.Version, cur.Approval)
	}

	version, err := s.stores.AdCopies.NextVersion(ctx, tenantID, cur.IntentID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	id, err := s.ids.New(now)
	if err != nil {
		return nil, err
	}
	next := &contracts.AdCopy{
		ID:        string(id),
		TenantID:  tenantID,
		IntentID:  cur.IntentID,
		Version:   version,
		Content:   content,
		Approval:  contracts.Approval{Status: contracts.ApprovalDraft},
		CreatedAt: now,
	}
	if err := s.stores.AdCopies.Create(ctx, next); err != nil {
		return nil, err
	}
	return s.auditRevision(ctx, tenantID, req, next.IntentID, next.ID, next.Version, next.Approval)
}

func (s *Service) auditRevision(ctx context.Context, tenantID string, req ReviseRequest, intentID, variantID string, version int, appr contracts.Approval) (*VariantView, error) {
	view := &VariantView{
		Kind:      req.Kind,
		VariantID: variantID,
		IntentID:  intentID,
		Version:   version,
		Approval:  appr,
	}
	if _, err := s.audit.Log(ctx, tenantID, audit.Record{
		Actor:      req.Actor,
		Action:     string(req.Kind) + "_variant.revise",
		TargetType: string(req.Kind) + "_variant",
		TargetID:   variantID,
		After:      view,
		RequestID:  req.RequestID,
	}); err != nil {
		return nil, err
	}
	return view, nil
}
