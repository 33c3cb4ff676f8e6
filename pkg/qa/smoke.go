package qa

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

// SmokeResult is the outcome of probing one bundle's tracking URL.
type SmokeResult struct {
	BundleID   string `json:"bundle_id"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// SmokeReport aggregates one smoke-test pass over a run.
type SmokeReport struct {
	RunID   string        `json:"run_id"`
	Checked int           `json:"checked"`
	Failed  int           `json:"failed"`
	Results []SmokeResult `json:"results"`
}

// SmokeTester probes the tracking URLs of a run's bundles.
type SmokeTester struct {
	bundles repo.BundleRepo
	client  *http.Client
}

func NewSmokeTester(bundles repo.BundleRepo) *SmokeTester {
	return &SmokeTester{
		bundles: bundles,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Run fetches every non-archived bundle's tracking URL and records the
// response. Transport failures are findings, not errors; only store access
// fails the pass.
func (s *SmokeTester) Run(ctx context.Context, tenantID, runID string) (*SmokeReport, error) {
	bundles, err := s.bundles.ListByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	report := &SmokeReport{RunID: runID}
	for _, b := range bundles {
		if b.Status == contracts.BundleArchived || b.TrackingURL == "" {
			continue
		}
		report.Checked++
		res := s.probe(ctx, b)
		if !res.OK {
			report.Failed++
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func (s *SmokeTester) probe(ctx context.Context, b *contracts.AdBundle) SmokeResult {
	res := SmokeResult{BundleID: b.ID, URL: b.TrackingURL}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.TrackingURL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := s.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode
	res.OK = resp.StatusCode >= 200 && resp.StatusCode < 400
	if !res.OK {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return res
}
