package insights

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

// PlatformRow is one ad-level insight row as returned by the ad-platform
// adapter, already parsed into numbers.
type PlatformRow struct {
	PlatformAdID string
	Date         string // YYYY-MM-DD
	Impressions  int64
	Clicks       int64
	Spend        float64
	Conversions  int64
}

// MetaSink stores platform rows, mapping platform ad ids to local bundles.
type MetaSink struct {
	bundles repo.BundleRepo
	rows    repo.InsightRepo
	clock   ulid.Clock
	log     *slog.Logger
}

func NewMetaSink(bundles repo.BundleRepo, rows repo.InsightRepo, clock ulid.Clock, log *slog.Logger) *MetaSink {
	return &MetaSink{bundles: bundles, rows: rows, clock: clock, log: log}
}

// StoreRows upserts the rows as source=meta daily insights. Rows whose
// platform ad id matches no bundle of the run are counted and logged, not
// fatal: the platform can report ads created outside this system.
func (s *MetaSink) StoreRows(ctx context.Context, tenantID, runID string, rows []PlatformRow) (stored, unmatched int, err error) {
	bundles, err := s.bundles.ListByRun(ctx, tenantID, runID)
	if err != nil {
		return 0, 0, err
	}
	byAdID := map[string]*contracts.AdBundle{}
	for _, b := range bundles {
		if b.PlatformAdID != "" {
			byAdID[b.PlatformAdID] = b
		}
	}

	now := s.clock.Now()
	for _, row := range rows {
		b, ok := byAdID[row.PlatformAdID]
		if !ok {
			unmatched++
			continue
		}
		if _, err := time.Parse("2006-01-02", row.Date); err != nil {
			return stored, unmatched, fmt.Errorf("insights: bad date %q: %w", row.Date, err)
		}
		daily := &contracts.InsightDaily{
			AdBundleID:  b.ID,
			TenantID:    tenantID,
			Date:        row.Date,
			Source:      contracts.SourceMeta,
			Impressions: row.Impressions,
			Clicks:      row.Clicks,
			Spend:       row.Spend,
			Conversions: row.Conversions,
			ImportedAt:  now,
		}
		if err := s.rows.UpsertDaily(ctx, daily); err != nil {
			return stored, unmatched, err
		}
		stored++
	}
	if unmatched > 0 {
		s.log.Warn("platform rows without matching bundle",
			"tenant_id", tenantID, "run_id", runID, "unmatched", unmatched)
	}
	return stored, unmatched, nil
}
