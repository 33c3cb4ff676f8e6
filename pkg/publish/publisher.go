package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/canonical"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

const manifestVersion = "1.0.0"

var (
	// ErrNoPublishableIntents means no active intent has a fully approved
	// variant set; publishing would produce an empty deployment.
	ErrNoPublishableIntents = errors.New("publish: no publishable intents")
	// ErrNotPublishing guards against publishing a run outside Publishing.
	ErrNotPublishing = errors.New("publish: run is not in publishing state")
	// ErrNoPublishedDeployment is returned by rollback when nothing is live.
	ErrNoPublishedDeployment = errors.New("publish: no published deployment")
)

// Publisher drives the publish pipeline and its rollback.
type Publisher struct {
	stores *repo.Stores
	blobs  objstore.Store
	audit  *audit.Recorder
	ids    *ulid.Factory
	clock  ulid.Clock
	log    *slog.Logger
}

// NewPublisher wires a Publisher.
func NewPublisher(stores *repo.Stores, blobs objstore.Store, rec *audit.Recorder, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Publisher {
	return &Publisher{stores: stores, blobs: blobs, audit: rec, ids: ids, clock: clock, log: log}
}

// Outcome is the result of one publish.
type Outcome struct {
	Deployment  *contracts.Deployment
	Bundles     []*contracts.AdBundle
	ManifestKey string
}

// Publish builds the bundle set for the run, writes the snapshot manifest,
// creates the published deployment and moves the run to Live.
func (p *Publisher) Publish(ctx context.Context, tenantID, runID, userID, requestID string) (*Outcome, error) {
	run, err := p.stores.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != contracts.RunPublishing {
		return nil, fmt.Errorf("%w: status %s", ErrNotPublishing, run.Status)
	}

	var design contracts.RunDesign
	if len(run.DesignJSON) > 0 {
		if err := json.Unmarshal(run.DesignJSON, &design); err != nil {
			return nil, fmt.Errorf("publish: run design: %w", err)
		}
	}

	combos, err := p.collectCombinations(ctx, tenantID, runID, design.CompareAxis)
	if err != nil {
		return nil, err
	}
	if len(combos) == 0 {
		return nil, ErrNoPublishableIntents
	}

	now := p.clock.Now()
	bundles := make([]*contracts.AdBundle, 0, len(combos))
	for _, c := range combos {
		contentKey := ContentKey(c.Intent.ID, c.Lp.ID, c.Creative.ID, c.AdCopy.ID)
		utm := UTMString(design.UTMPolicy, runID, contentKey)
		b := &contracts.AdBundle{
			ID:                BundleID(runID, c),
			TenantID:          tenantID,
			RunID:             runID,
			IntentID:          c.Intent.ID,
			LpVariantID:       c.Lp.ID,
			CreativeVariantID: c.Creative.ID,
			AdCopyID:          c.AdCopy.ID,
			UTMString:         utm,
			TrackingURL:       TrackingURL(c.Lp.PublishedURL, utm),
			Status:            contracts.BundleReady,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := p.stores.Bundles.Create(ctx, b); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				// Re-publish of the same combination: reuse the stored bundle.
				existing, gerr := p.stores.Bundles.GetByKey(ctx, tenantID, runID, c.Intent.ID, c.Lp.ID, c.Creative.ID, c.AdCopy.ID)
				if gerr != nil {
					return nil, gerr
				}
				bundles = append(bundles, existing)
				continue
			}
			return nil, fmt.Errorf("publish: bundle: %w", err)
		}
		bundles = append(bundles, b)
	}

	manifest := buildManifest(runID, now, combos, bundles)
	manifestKey, err := p.storeManifest(ctx, manifest)
	if err != nil {
		return nil, err
	}

	depID, err := p.ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("publish: id: %w", err)
	}
	urls := make([]string, 0, len(bundles))
	for _, b := range bundles {
		urls = append(urls, b.TrackingURL)
	}
	dep := &contracts.Deployment{
		ID:          string(depID),
		TenantID:    tenantID,
		RunID:       runID,
		URLs:        urls,
		ManifestKey: manifestKey,
		Status:      contracts.DeploymentPublished,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.stores.Deployments.Create(ctx, dep); err != nil {
		return nil, fmt.Errorf("publish: deployment: %w", err)
	}

	if err := p.stores.Runs.CompareAndSetStatus(ctx, tenantID, runID, contracts.RunPublishing, contracts.RunLive, now); err != nil {
		return nil, err
	}

	if _, err := p.audit.Log(ctx, tenantID, audit.Record{
		Actor:      userID,
		Action:     "run.publish",
		TargetType: "deployment",
		TargetID:   dep.ID,
		After:      map[string]any{"manifest_key": manifestKey, "bundles": len(bundles)},
		RequestID:  requestID,
	}); err != nil {
		return nil, fmt.Errorf("publish: audit: %w", err)
	}

	p.log.Info("run published",
		"run_id", runID, "deployment_id", dep.ID, "bundles", len(bundles), "manifest_key", manifestKey)
	return &Outcome{Deployment: dep, Bundles: bundles, ManifestKey: manifestKey}, nil
}

// collectCombinations walks the run's active intents and admits combinations
// along the compare axis. An intent missing any approved piece is skipped.
func (p *Publisher) collectCombinations(ctx context.Context, tenantID, runID, axis string) ([]Combination, error) {
	intents, err := p.stores.Intents.ListByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	var combos []Combination
	for _, intent := range intents {
		if intent.Status != "active" {
			continue
		}
		lps, err := approvedLps(ctx, p.stores.LpVariants, tenantID, intent.ID)
		if err != nil {
			return nil, err
		}
		creatives, err := approvedCreatives(ctx, p.stores.Creatives, tenantID, intent.ID)
		if err != nil {
			return nil, err
		}
		copies, err := approvedAdCopies(ctx, p.stores.AdCopies, tenantID, intent.ID)
		if err != nil {
			return nil, err
		}
		if len(lps) == 0 || len(creatives) == 0 || len(copies) == 0 {
			continue
		}

		switch axis {
		case "lp":
			for _, lp := range lps {
				combos = append(combos, Combination{Intent: intent, Lp: lp, Creative: creatives[0], AdCopy: copies[0]})
			}
		case "creative":
			for _, cr := range creatives {
				combos = append(combos, Combination{Intent: intent, Lp: lps[0], Creative: cr, AdCopy: copies[0]})
			}
		case "ad_copy":
			for _, ac := range copies {
				combos = append(combos, Combination{Intent: intent, Lp: lps[0], Creative: creatives[0], AdCopy: ac})
			}
		default:
			// intent axis (or unset): one representative bundle per intent,
			// the variation lives across intents.
			combos = append(combos, Combination{Intent: intent, Lp: lps[0], Creative: creatives[0], AdCopy: copies[0]})
		}
	}
	return combos, nil
}

func approvedLps(ctx context.Context, r repo.LpVariantRepo, tenantID, intentID string) ([]*contracts.LpVariant, error) {
	all, err := r.ListByIntent(ctx, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	var out []*contracts.LpVariant
	for _, v := range all {
		if v.Approval.Status == contracts.ApprovalApproved {
			out = append(out, v)
		}
	}
	return out, nil
}

func approvedCreatives(ctx context.Context, r repo.CreativeRepo, tenantID, intentID string) ([]*contracts.CreativeVariant, error) {
	all, err := r.ListByIntent(ctx, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	var out []*contracts.CreativeVariant
	for _, v := range all {
		if v.Approval.Status == contracts.ApprovalApproved {
			out = append(out, v)
		}
	}
	return out, nil
}

func approvedAdCopies(ctx context.Context, r repo.AdCopyRepo, tenantID, intentID string) ([]*contracts.AdCopy, error) {
	all, err := r.ListByIntent(ctx, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	var out []*contracts.AdCopy
	for _, v := range all {
		if v.Approval.Status == contracts.ApprovalApproved {
			out = append(out, v)
		}
	}
	return out, nil
}

func buildManifest(runID string, now time.Time, combos []Combination, bundles []*contracts.AdBundle) *contracts.SnapshotManifest {
	byIntent := map[string]contracts.ManifestIntent{}
	for _, c := range combos {
		byIntent[c.Intent.ID] = contracts.ManifestIntent{
			ID: c.Intent.ID,
			ApprovedHashes: map[string]string{
				"lp":       c.Lp.Approval.ApprovedHash,
				"creative": c.Creative.Approval.ApprovedHash,
				"adCopy":   c.AdCopy.Approval.ApprovedHash,
			},
		}
	}
	intents := make([]contracts.ManifestIntent, 0, len(byIntent))
	for _, mi := range byIntent {
		intents = append(intents, mi)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].ID < intents[j].ID })

	mb := make([]contracts.ManifestBundle, 0, len(bundles))
	for _, b := range bundles {
		mb = append(mb, contracts.ManifestBundle{ID: b.ID, UTMString: b.UTMString, TrackingURL: b.TrackingURL})
	}
	sort.Slice(mb, func(i, j int) bool { return mb[i].ID < mb[j].ID })

	return &contracts.SnapshotManifest{
		Version:   manifestVersion,
		Timestamp: now,
		RunID:     runID,
		Intents:   intents,
		AdBundles: mb,
	}
}

// storeManifest writes the manifest under a content-addressed key. The hash
// excludes the timestamp so re-publishing identical content hits the same
// key.
func (p *Publisher) storeManifest(ctx context.Context, m *contracts.SnapshotManifest) (string, error) {
	identity := *m
	identity.Timestamp = time.Time{}
	digest, err := canonical.Hash(identity)
	if err != nil {
		return "", fmt.Errorf("publish: manifest hash: %w", err)
	}
	key := objstore.ContentKey("manifests", digest)

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("publish: manifest marshal: %w", err)
	}
	if err := p.blobs.Put(ctx, key, data, "application/json"); err != nil {
		return "", fmt.Errorf("publish: manifest store: %w", err)
	}
	return key, nil
}

// Rollback flips the published deployment to rolled_back and archives its
// bundles. The run's status is the lifecycle manager's business.
func (p *Publisher) Rollback(ctx context.Context, tenantID, runID, userID, requestID string) (*contracts.Deployment, error) {
	dep, err := p.stores.Deployments.PublishedByRun(ctx, tenantID, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNoPublishedDeployment
		}
		return nil, err
	}

	now := p.clock.Now()
	dep.Status = contracts.DeploymentRolledBack
	dep.UpdatedAt = now
	if err := p.stores.Deployments.Update(ctx, dep); err != nil {
		return nil, err
	}

	bundles, err := p.stores.Bundles.ListByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	for _, b := range bundles {
		if b.Status == contracts.BundleArchived {
			continue
		}
		b.Status = contracts.BundleArchived
		b.UpdatedAt = now
		if err := p.stores.Bundles.Update(ctx, b); err != nil {
			return nil, err
		}
	}

	if _, err := p.audit.Log(ctx, tenantID, audit.Record{
		Actor:      userID,
		Action:     "run.rollback",
		TargetType: "deployment",
		TargetID:   dep.ID,
		Before:     map[string]string{"status": string(contracts.DeploymentPublished)},
		After:      map[string]string{"status": string(contracts.DeploymentRolledBack)},
		RequestID:  requestID,
	}); err != nil {
		return nil, fmt.Errorf("publish: audit: %w", err)
	}

	p.log.Info("deployment rolled back", "run_id", runID, "deployment_id", dep.ID, "bundles_archived", len(bundles))
	return dep, nil
}
