// Package insights ingests platform and manual performance rollups and
// combines them with first-party event counts into per-bundle metrics.
package insights

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

// ErrMissingColumns is returned when the CSV header lacks a required column.
var ErrMissingColumns = errors.New("insights: missing required columns")

// Importer handles manual CSV imports. The raw file is archived in the blob
// store before any row is processed so failures stay reproducible.
type Importer struct {
	bundles repo.BundleRepo
	rows    repo.InsightRepo
	imports repo.ImportRepo
	blobs   objstore.Store
	ids     *ulid.Factory
	clock   ulid.Clock
	log     *slog.Logger
}

func NewImporter(bundles repo.BundleRepo, rows repo.InsightRepo, imports repo.ImportRepo, blobs objstore.Store, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Importer {
	return &Importer{bundles: bundles, rows: rows, imports: imports, blobs: blobs, ids: ids, clock: clock, log: log}
}

// ImportOptions controls one CSV import.
type ImportOptions struct {
	// Overwrite controls conflicts on an existing (bundle, date) manual row.
	// Absent it defaults to replacing; only an explicit false keeps the
	// existing row and counts the record as skipped.
	Overwrite *bool
}

// header maps lower-cased column names to their index.
type header map[string]int

func (h header) get(rec []string, name string) string {
	i, ok := h[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// ImportCSV parses and upserts one manual metrics file for a run.
func (im *Importer) ImportCSV(ctx context.Context, tenantID, runID string, data []byte, opts ImportOptions) (*contracts.ImportSummary, error) {
	now := im.clock.Now()
	id, err := im.ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("insights: id: %w", err)
	}

	key := fmt.Sprintf("imports/%s/%s/%s.csv", tenantID, runID, string(id))
	if err := im.blobs.Put(ctx, key, data, "text/csv"); err != nil {
		return nil, fmt.Errorf("insights: archive csv: %w", err)
	}

	summary := &contracts.ImportSummary{
		ID:        string(id),
		TenantID:  tenantID,
		RunID:     runID,
		ObjectKey: key,
		CreatedAt: now,
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	head, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("insights: read header: %w", err)
	}
	cols := header{}
	for i, name := range head {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if err := checkColumns(cols); err != nil {
		return nil, err
	}

	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			summary.RecordsFailed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if err := im.importRow(ctx, tenantID, runID, cols, rec, opts, now, summary); err != nil {
			summary.RecordsFailed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("line %d: %v", line, err))
		}
	}

	if err := im.imports.Create(ctx, summary); err != nil {
		return nil, fmt.Errorf("insights: record import: %w", err)
	}
	im.log.Info("manual metrics imported",
		"tenant_id", tenantID, "run_id", runID,
		"imported", summary.RecordsImported, "skipped", summary.RecordsSkipped,
		"failed", summary.RecordsFailed)
	return summary, nil
}

func checkColumns(cols header) error {
	var missing []string
	for _, name := range []string{"date", "impressions", "clicks", "spend"} {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	_, hasBundle := cols["ad_bundle_id"]
	_, hasContent := cols["utm_content"]
	if !hasBundle && !hasContent {
		missing = append(missing, "ad_bundle_id|utm_content")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return nil
}

func (im *Importer) importRow(ctx context.Context, tenantID, runID string, cols header, rec []string, opts ImportOptions, now time.Time, summary *contracts.ImportSummary) error {
	date := cols.get(rec, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("bad date %q", date)
	}

	bundle, err := im.resolveBundle(ctx, tenantID, runID, cols, rec)
	if err != nil {
		return err
	}

	impressions, err := parseInt(cols.get(rec, "impressions"))
	if err != nil {
		return fmt.Errorf("bad impressions: %w", err)
	}
	clicks, err := parseInt(cols.get(rec, "clicks"))
	if err != nil {
		return fmt.Errorf("bad clicks: %w", err)
	}
	spend, err := parseFloat(cols.get(rec, "spend"))
	if err != nil {
		return fmt.Errorf("bad spend: %w", err)
	}
	var conversions int64
	if _, ok := cols["conversions"]; ok {
		if raw := cols.get(rec, "conversions"); raw != "" {
			conversions, err = parseInt(raw)
			if err != nil {
				return fmt.Errorf("bad conversions: %w", err)
			}
		}
	}

	if opts.Overwrite != nil && !*opts.Overwrite {
		if _, err := im.rows.GetDaily(ctx, tenantID, bundle.ID, date, contracts.SourceManual); err == nil {
			summary.RecordsSkipped++
			return nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}

	row := &contracts.InsightDaily{
		AdBundleID:  bundle.ID,
		TenantID:    tenantID,
		Date:        date,
		Source:      contracts.SourceManual,
		Impressions: impressions,
		Clicks:      clicks,
		Spend:       spend,
		Conversions: conversions,
		ImportedAt:  now,
	}
	if err := im.rows.UpsertDaily(ctx, row); err != nil {
		return err
	}
	summary.RecordsImported++
	return nil
}

// resolveBundle accepts either a bundle id or the utm_content template key.
func (im *Importer) resolveBundle(ctx context.Context, tenantID, runID string, cols header, rec []string) (*contracts.AdBundle, error) {
	if id := cols.get(rec, "ad_bundle_id"); id != "" {
		b, err := im.bundles.Get(ctx, tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("unknown bundle %q", id)
		}
		return b, nil
	}
	content := cols.get(rec, "utm_content")
	intentID, lpID, creativeID, adCopyID, ok := publish.ParseContentKey(content)
	if !ok {
		return nil, fmt.Errorf("utm_content %q is not a bundle key", content)
	}
	b, err := im.bundles.GetByKey(ctx, tenantID, runID, intentID, lpID, creativeID, adCopyID)
	if err != nil {
		return nil, fmt.Errorf("no bundle for utm_content %q", content)
	}
	return b, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}
