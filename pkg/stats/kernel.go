package stats

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// Observation is one variant's raw counts.
type Observation struct {
	VariantID   string
	Clicks      int64
	Conversions int64
}

// Thresholds control the verdict. Zero-value fields fall back to defaults.
type Thresholds struct {
	MinClicks       int
	MinConversions  int     // below this the verdict is insufficient
	DirectionalCV   int     // conversions for a directional call
	ConfidentCV     int     // conversions for a confident call
	MinRelativeLift float64 // top-1 over top-2
	ConfidenceLevel float64
}

// DefaultThresholds are the stock verdict thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinClicks:       200,
		MinConversions:  3,
		DirectionalCV:   5,
		ConfidentCV:     20,
		MinRelativeLift: 0.05,
		ConfidenceLevel: 0.95,
	}
}

// ThresholdsFromRules merges per-run overrides onto the defaults.
func ThresholdsFromRules(rules *contracts.DecisionRules) Thresholds {
	th := DefaultThresholds()
	if rules == nil {
		return th
	}
	if rules.MinClicks != nil {
		th.MinClicks = *rules.MinClicks
	}
	if rules.MinConversions != nil {
		th.MinConversions = *rules.MinConversions
	}
	if rules.DirectionalCV != nil {
		th.DirectionalCV = *rules.DirectionalCV
	}
	if rules.ConfidentCV != nil {
		th.ConfidentCV = *rules.ConfidentCV
	}
	if rules.MinRelativeLift != nil {
		th.MinRelativeLift = *rules.MinRelativeLift
	}
	if rules.ConfidenceLevel != nil {
		th.ConfidenceLevel = *rules.ConfidenceLevel
	}
	return th
}

// Result is the kernel's verdict over a set of variants.
type Result struct {
	Confidence contracts.ConfidenceLevel
	WinnerID   string
	Ranking    []contracts.VariantStats
	Rationale  string

	// The two sample-size gaps are surfaced separately: more clicks and more
	// conversions are different asks with different remedies (budget vs time).
	AdditionalClicksNeeded      int64
	AdditionalConversionsNeeded int64
}

// Kernel evaluates variant comparisons. Safe for repeated use; not safe for
// concurrent use because of the owned RNG.
type Kernel struct {
	samples int
	rng     *rand.Rand
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithSamples overrides the Monte-Carlo sample count.
func WithSamples(n int) Option {
	return func(k *Kernel) { k.samples = n }
}

// WithSeed makes the Monte-Carlo draw deterministic.
func WithSeed(seed int64) Option {
	return func(k *Kernel) { k.rng = rand.New(rand.NewSource(seed)) }
}

// NewKernel returns a kernel with 10k Monte-Carlo samples.
func NewKernel(opts ...Option) *Kernel {
	k := &Kernel{
		samples: 10000,
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Evaluate ranks the variants and produces the confidence verdict.
func (k *Kernel) Evaluate(obs []Observation, th Thresholds) (*Result, error) {
	if len(obs) == 0 {
		return nil, fmt.Errorf("stats: no variants")
	}
	z := zForConfidence(th.ConfidenceLevel)

	ranking := make([]contracts.VariantStats, len(obs))
	posteriors := make([]Beta, len(obs))
	for i, o := range obs {
		if o.Conversions < 0 || o.Clicks < 0 || o.Conversions > o.Clicks {
			return nil, fmt.Errorf("stats: variant %s: conversions out of range", o.VariantID)
		}
		w := Wilson(o.Clicks, o.Conversions, z)
		post := Posterior(o.Clicks, o.Conversions)
		cl, cu := post.CredibleInterval(th.ConfidenceLevel)
		posteriors[i] = post
		ranking[i] = contracts.VariantStats{
			VariantID:     o.VariantID,
			Clicks:        o.Clicks,
			Conversions:   o.Conversions,
			PointEstimate: w.Point,
			WilsonLower:   w.Lower,
			WilsonUpper:   w.Upper,
			CredibleLower: cl,
			CredibleUpper: cu,
		}
	}

	k.winProbabilities(ranking, posteriors)

	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].WinProbability != ranking[j].WinProbability {
			return ranking[i].WinProbability > ranking[j].WinProbability
		}
		return ranking[i].PointEstimate > ranking[j].PointEstimate
	})
	assignRanks(ranking)

	res := &Result{Ranking: ranking}
	k.verdict(res, th)
	return res, nil
}

// winProbabilities runs the Monte-Carlo tournament: each round samples every
// posterior and the max takes the trial. Ties go to the higher point estimate.
func (k *Kernel) winProbabilities(ranking []contracts.VariantStats, posteriors []Beta) {
	if len(ranking) == 1 {
		ranking[0].WinProbability = 1
		return
	}
	wins := make([]int, len(ranking))
	draws := make([]float64, len(ranking))
	for trial := 0; trial < k.samples; trial++ {
		best := 0
		for i := range posteriors {
			draws[i] = posteriors[i].Sample(k.rng)
			if i == 0 {
				continue
			}
			if draws[i] > draws[best] ||
				(draws[i] == draws[best] && ranking[i].PointEstimate > ranking[best].PointEstimate) {
				best = i
			}
		}
		wins[best]++
	}
	for i := range ranking {
		ranking[i].WinProbability = float64(wins[i]) / float64(k.samples)
	}
}

// assignRanks gives tied entries (same win probability and point estimate)
// the same rank.
func assignRanks(ranking []contracts.VariantStats) {
	for i := range ranking {
		if i > 0 &&
			ranking[i].WinProbability == ranking[i-1].WinProbability &&
			ranking[i].PointEstimate == ranking[i-1].PointEstimate {
			ranking[i].Rank = ranking[i-1].Rank
			continue
		}
		ranking[i].Rank = i + 1
	}
}

func (k *Kernel) verdict(res *Result, th Thresholds) {
	var totalClicks, totalCV int64
	for _, v := range res.Ranking {
		totalClicks += v.Clicks
		totalCV += v.Conversions
	}

	res.AdditionalClicksNeeded = additionalClicks(totalClicks, totalCV, th)
	res.AdditionalConversionsNeeded = max64(0, int64(th.ConfidentCV)-totalCV)

	if totalClicks < int64(th.MinClicks) || totalCV < int64(th.MinConversions) {
		res.Confidence = contracts.ConfidenceInsufficient
		res.Rationale = fmt.Sprintf(
			"insufficient data: %d clicks (need %d) and %d conversions (need %d); collect %d more clicks and %d more conversions before comparing",
			totalClicks, th.MinClicks, totalCV, th.MinConversions,
			res.AdditionalClicksNeeded, res.AdditionalConversionsNeeded)
		return
	}

	if totalCV < int64(th.DirectionalCV) {
		res.Confidence = contracts.ConfidenceInsufficient
		res.Rationale = fmt.Sprintf(
			"insufficient data: %d conversions below the directional threshold of %d; collect %d more clicks and %d more conversions before comparing",
			totalCV, th.DirectionalCV,
			res.AdditionalClicksNeeded, res.AdditionalConversionsNeeded)
		return
	}

	if len(res.Ranking) >= 2 && totalCV >= int64(th.ConfidentCV) {
		top, second := res.Ranking[0], res.Ranking[1]
		separated := top.WilsonLower > second.WilsonUpper
		lift := relativeLift(top.PointEstimate, second.PointEstimate)
		if separated && lift >= th.MinRelativeLift {
			res.Confidence = contracts.ConfidenceConfident
			res.WinnerID = top.VariantID
			res.Rationale = fmt.Sprintf(
				"confident: %s separates on Wilson bounds (%.4f > %.4f) with %.1f%% relative lift at %d total conversions",
				top.VariantID, top.WilsonLower, second.WilsonUpper, lift*100, totalCV)
			return
		}
	}

	res.Confidence = contracts.ConfidenceDirectional
	res.Rationale = k.directionalRationale(res, totalCV, th)
}

func (k *Kernel) directionalRationale(res *Result, totalCV int64, th Thresholds) string {
	if len(res.Ranking) < 2 {
		return "directional: only one variant, no comparison possible"
	}
	top, second := res.Ranking[0], res.Ranking[1]
	if totalCV < int64(th.ConfidentCV) {
		return fmt.Sprintf(
			"directional: %d total conversions below the confident threshold of %d",
			totalCV, th.ConfidentCV)
	}
	if top.WilsonLower <= second.WilsonUpper {
		return fmt.Sprintf(
			"directional: Wilson intervals of %s and %s overlap (%.4f <= %.4f)",
			top.VariantID, second.VariantID, top.WilsonLower, second.WilsonUpper)
	}
	return fmt.Sprintf(
		"directional: relative lift %.1f%% below the %.1f%% threshold",
		relativeLift(top.PointEstimate, second.PointEstimate)*100, th.MinRelativeLift*100)
}

// additionalClicks estimates the larger of the click gap and the clicks
// needed to reach the confident conversion count at the observed rate.
func additionalClicks(clicks, cv int64, th Thresholds) int64 {
	need := max64(0, int64(th.MinClicks)-clicks)
	if cv > 0 && cv < int64(th.ConfidentCV) {
		cvr := float64(cv) / float64(clicks)
		est := int64(math.Ceil(float64(int64(th.ConfidentCV)-cv)/cvr))
		if est > need {
			need = est
		}
	}
	return need
}

func relativeLift(top, second float64) float64 {
	if second <= 0 {
		if top > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return (top - second) / second
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
