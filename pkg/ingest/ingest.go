// Package ingest is the first-party event pipeline: structural validation,
// age window, deduplication, UTM parsing, enrichment and append-only
// persistence. The batch endpoint reports partial success by counts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

const (
	// MaxBatchSize bounds one ingest request.
	MaxBatchSize = 100
	// DedupHorizon is the window inside which (tenant, event_id) must be
	// unique.
	DedupHorizon = 24 * time.Hour
	// maxEventAge rejects stale replays.
	maxEventAge = 7 * 24 * time.Hour
	// maxClockSkew tolerates client clocks running ahead. Exactly at the
	// edge is accepted.
	maxClockSkew = 5 * time.Minute

	protocolVersion = 1
)

// ErrBatchTooLarge rejects batches over MaxBatchSize before any processing.
var ErrBatchTooLarge = errors.New("ingest: batch exceeds maximum size")

// Ingestor runs the pipeline.
type Ingestor struct {
	runs   repo.RunRepo
	lps    repo.LpVariantRepo
	events repo.EventRepo
	dedup  DedupIndex
	ids    *ulid.Factory
	clock  ulid.Clock
	log    *slog.Logger
}

// NewIngestor wires an Ingestor. dedup may be NoopDedup.
func NewIngestor(runs repo.RunRepo, lps repo.LpVariantRepo, events repo.EventRepo, dedup DedupIndex, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Ingestor {
	return &Ingestor{runs: runs, lps: lps, events: events, dedup: dedup, ids: ids, clock: clock, log: log}
}

// IngestBatch processes up to MaxBatchSize raw events from one client.
func (in *Ingestor) IngestBatch(ctx context.Context, raws []contracts.RawEvent, clientIP string) (*contracts.BatchResult, error) {
	if len(raws) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	res := &contracts.BatchResult{OK: true, Errors: map[string]string{}}
	for i := range raws {
		raw := &raws[i]
		switch err := in.ingestOne(ctx, raw, clientIP); {
		case err == nil:
			res.Ingested++
		case errors.Is(err, repo.ErrDuplicate):
			res.Deduped++
		default:
			res.Rejected++
			key := raw.EventID
			if key == "" {
				key = fmt.Sprintf("index:%d", i)
			}
			res.Errors[key] = err.Error()
		}
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res, nil
}

func (in *Ingestor) ingestOne(ctx context.Context, raw *contracts.RawEvent, clientIP string) error {
	if err := validate(raw); err != nil {
		return err
	}

	now := in.clock.Now()
	occurred := time.UnixMilli(raw.TsMs).UTC()
	if now.Sub(occurred) > maxEventAge {
		return fmt.Errorf("event too old: %s", occurred.Format(time.RFC3339))
	}
	if occurred.Sub(now) > maxClockSkew {
		return fmt.Errorf("event timestamp too far in the future: %s", occurred.Format(time.RFC3339))
	}

	run, err := in.runs.Resolve(ctx, raw.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("unknown run %q", raw.RunID)
		}
		return err
	}

	seen, err := in.dedup.Claim(ctx, run.TenantID, raw.EventID, DedupHorizon)
	if err != nil {
		// The index is advisory; the store constraint still protects us.
		in.log.Warn("dedup index unavailable", "error", err)
	} else if seen {
		return repo.ErrDuplicate
	}
	claimed := err == nil

	utm := parseUTM(raw.PageURL)
	intentID := utm.IntentID
	if intentID == "" && raw.LpVariantID != "" {
		if lp, err := in.lps.Get(ctx, run.TenantID, raw.LpVariantID); err == nil {
			intentID = lp.IntentID
		}
	}

	id, err := in.ids.New(now)
	if err != nil {
		return fmt.Errorf("ingest: id: %w", err)
	}
	event := &contracts.Event{
		ID:          string(id),
		TenantID:    run.TenantID,
		EventID:     raw.EventID,
		EventType:   raw.EventType,
		OccurredAt:  occurred,
		SessionID:   raw.SessionID,
		RunID:       raw.RunID,
		IntentID:    intentID,
		LpVariantID: raw.LpVariantID,
		AdBundleID:  utm.AdBundleID,
		PageURL:     raw.PageURL,
		Referrer:    raw.Referrer,
		UserAgent:   raw.UserAgent,
		UTM:         utm,
		IPHash:      audit.HashIP(clientIP),
		ReceivedAt:  now,
	}
	if err := in.events.Insert(ctx, event, DedupHorizon); err != nil {
		// A failed insert must not hold the claim for the whole horizon, or
		// the client's retry would be thrown away as a duplicate.
		if claimed && !errors.Is(err, repo.ErrDuplicate) {
			if rerr := in.dedup.Release(ctx, run.TenantID, raw.EventID); rerr != nil {
				in.log.Warn("dedup release failed", "error", rerr)
			}
		}
		return err
	}
	return nil
}

func validate(raw *contracts.RawEvent) error {
	if raw.V != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", raw.V)
	}
	if raw.EventID == "" {
		return errors.New("event_id is required")
	}
	if raw.TsMs <= 0 {
		return errors.New("ts_ms is required")
	}
	if !raw.EventType.Valid() {
		return fmt.Errorf("unknown event_type %q", raw.EventType)
	}
	if raw.SessionID == "" {
		return errors.New("session_id is required")
	}
	if raw.RunID == "" {
		return errors.New("run_id is required")
	}
	if raw.LpVariantID == "" {
		return errors.New("lp_variant_id is required")
	}
	if raw.PageURL == "" {
		return errors.New("page_url is required")
	}
	return nil
}

// parseUTM extracts the recognised tracking parameters from the page URL and
// decomposes a template-shaped utm_content into its four ids.
func parseUTM(pageURL string) contracts.UTMFields {
	var f contracts.UTMFields
	u, err := url.Parse(pageURL)
	if err != nil {
		return f
	}
	q := u.Query()
	f.Source = q.Get("utm_source")
	f.Medium = q.Get("utm_medium")
	f.Campaign = q.Get("utm_campaign")
	f.Term = q.Get("utm_term")
	f.Content = q.Get("utm_content")
	f.AdBundleID = q.Get("ad_bundle_id")
	f.CreativeVariantID = q.Get("creative_variant_id")
	f.IntentID = q.Get("intent_id")

	if f.Content != "" && strings.Count(f.Content, "_") == 3 {
		if intentID, _, creativeID, _, ok := publish.ParseContentKey(f.Content); ok {
			if f.IntentID == "" {
				f.IntentID = intentID
			}
			if f.CreativeVariantID == "" {
				f.CreativeVariantID = creativeID
			}
		}
	}
	return f
}
