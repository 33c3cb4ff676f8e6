// Package decision turns the statistics kernel's verdict into persisted
// Decision rows and, when confident, closes the run.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/stats"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

var (
	// ErrNoVariants means neither explicit variants nor pulled metrics gave
	// anything to compare.
	ErrNoVariants = errors.New("decision: no variants to compare")
	// ErrNotFinalizable is returned when finalize was requested but the
	// verdict or run state does not allow it.
	ErrNotFinalizable = errors.New("decision: not finalizable")
)

// Request describes one decide call.
type Request struct {
	RunID string
	// Variants, when set, bypass the metrics pull.
	Variants []stats.Observation
	// Persist writes a draft Decision row.
	Persist bool
	// Finalize additionally promotes the decision and completes the run.
	// Implies Persist.
	Finalize bool

	Actor     string
	RequestID string
}

// Outcome is the decide result.
type Outcome struct {
	Result   *stats.Result
	Decision *contracts.Decision // nil unless persisted
	// Finalized reports whether the run was transitioned to completed.
	Finalized bool
}

// Service runs decisions. The kernel is injected so tests can seed it.
type Service struct {
	stores   *repo.Stores
	combiner *insights.Combiner
	kernel   *stats.Kernel
	audit    *audit.Recorder
	ids      *ulid.Factory
	clock    ulid.Clock
	log      *slog.Logger
}

func NewService(stores *repo.Stores, combiner *insights.Combiner, kernel *stats.Kernel, rec *audit.Recorder, ids *ulid.Factory, clock ulid.Clock, log *slog.Logger) *Service {
	return &Service{stores: stores, combiner: combiner, kernel: kernel, audit: rec, ids: ids, clock: clock, log: log}
}

// Decide evaluates the run's variants and optionally persists the verdict.
func (s *Service) Decide(ctx context.Context, tenantID string, req Request) (*Outcome, error) {
	run, err := s.stores.Runs.Get(ctx, tenantID, req.RunID)
	if err != nil {
		return nil, err
	}

	obs := req.Variants
	if len(obs) == 0 {
		obs, err = s.pullObservations(ctx, tenantID, req.RunID)
		if err != nil {
			return nil, err
		}
	}
	if len(obs) == 0 {
		return nil, ErrNoVariants
	}

	th := stats.DefaultThresholds()
	if len(run.DecisionRulesJSON) > 0 {
		var rules contracts.DecisionRules
		if err := json.Unmarshal(run.DecisionRulesJSON, &rules); err != nil {
			return nil, fmt.Errorf("decision: decode decision rules: %w", err)
		}
		th = stats.ThresholdsFromRules(&rules)
	}

	result, err := s.kernel.Evaluate(obs, th)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Result: result}

	if !req.Persist && !req.Finalize {
		return out, nil
	}

	now := s.clock.Now()
	id, err := s.ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("decision: id: %w", err)
	}
	dec := &contracts.Decision{
		ID:         string(id),
		TenantID:   tenantID,
		RunID:      req.RunID,
		Status:     contracts.DecisionDraft,
		Confidence: result.Confidence,
		WinnerID:   result.WinnerID,
		Ranking:    result.Ranking,
		Rationale:  result.Rationale,
		CreatedAt:  now,
	}
	if err := s.stores.Decisions.Create(ctx, dec); err != nil {
		return nil, err
	}
	out.Decision = dec

	if !req.Finalize {
		return out, nil
	}
	if err := s.finalize(ctx, run, dec, req); err != nil {
		return nil, err
	}
	out.Finalized = true
	return out, nil
}

// finalize promotes the decision and completes the run. Only a confident
// verdict on a running or paused run qualifies.
func (s *Service) finalize(ctx context.Context, run *contracts.Run, dec *contracts.Decision, req Request) error {
	if dec.Confidence != contracts.ConfidenceConfident {
		return fmt.Errorf("%w: confidence is %s", ErrNotFinalizable, dec.Confidence)
	}
	if run.Status != contracts.RunRunning && run.Status != contracts.RunPaused {
		return fmt.Errorf("%w: run status is %s", ErrNotFinalizable, run.Status)
	}

	now := s.clock.Now()
	if err := s.stores.Decisions.Finalize(ctx, run.TenantID, run.ID, dec.ID, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("%w: run already holds a final decision", ErrNotFinalizable)
		}
		return err
	}
	dec.Status = contracts.DecisionFinal
	dec.FinalAt = &now

	if err := s.stores.Runs.CompareAndSetStatus(ctx, run.TenantID, run.ID, run.Status, contracts.RunCompleted, now); err != nil {
		return fmt.Errorf("decision: complete run: %w", err)
	}

	if _, err := s.audit.Log(ctx, run.TenantID, audit.Record{
		Actor:      req.Actor,
		Action:     "decision.finalize",
		TargetType: "run",
		TargetID:   run.ID,
		After:      map[string]string{"decision_id": dec.ID, "winner_id": dec.WinnerID},
		RequestID:  req.RequestID,
	}); err != nil {
		return err
	}
	s.log.Info("decision finalized",
		"tenant_id", run.TenantID, "run_id", run.ID,
		"decision_id", dec.ID, "winner_id", dec.WinnerID)
	return nil
}

// pullObservations builds kernel input from the combined per-bundle metrics.
func (s *Service) pullObservations(ctx context.Context, tenantID, runID string) ([]stats.Observation, error) {
	metrics, err := s.combiner.RunMetrics(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	obs := make([]stats.Observation, 0, len(metrics))
	for _, m := range metrics {
		obs = append(obs, stats.Observation{
			VariantID:   m.AdBundleID,
			Clicks:      m.Clicks,
			Conversions: m.Conversions,
		})
	}
	return obs, nil
}
