package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
)

// ExportBundle is the offline-verifiable form of one tenant's chain: the
// entries plus the verification report computed at export time.
type ExportBundle struct {
	TenantID   string                  `json:"tenant_id"`
	ExportedAt time.Time               `json:"exported_at"`
	Report     *contracts.ChainReport  `json:"report"`
	Entries    []*contracts.AuditEntry `json:"entries"`
}

// Export verifies the tenant's chain, writes the bundle to the blob store and
// returns the object key. Exports of broken chains are still written; the
// embedded report carries the errors.
func (r *Recorder) Export(ctx context.Context, blobs objstore.Store, tenantID string) (string, *ExportBundle, error) {
	report, err := r.VerifyChain(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	entries, err := r.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return "", nil, fmt.Errorf("audit: list: %w", err)
	}
	now := r.clock.Now()
	bundle := &ExportBundle{
		TenantID:   tenantID,
		ExportedAt: now,
		Report:     report,
		Entries:    entries,
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", nil, fmt.Errorf("audit: marshal bundle: %w", err)
	}
	id, err := r.ids.New(now)
	if err != nil {
		return "", nil, fmt.Errorf("audit: id: %w", err)
	}
	key := fmt.Sprintf("audit-exports/%s/%s.json", tenantID, id)
	if err := blobs.Put(ctx, key, data, "application/json"); err != nil {
		return "", nil, fmt.Errorf("audit: store bundle: %w", err)
	}
	return key, bundle, nil
}
