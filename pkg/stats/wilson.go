// Package stats is the statistics kernel: Wilson confidence intervals,
// Beta-Binomial posteriors, Monte-Carlo win probabilities and the tri-state
// confidence verdict over a set of variants.
package stats

import "math"

// Interval is a two-sided interval on [0,1] around a point estimate.
type Interval struct {
	Lower float64
	Point float64
	Upper float64
}

// zForConfidence maps a confidence level to the two-sided normal quantile.
// Only the handful of levels the API accepts are tabulated; anything else
// falls back to 95%.
func zForConfidence(level float64) float64 {
	switch level {
	case 0.90:
		return 1.6449
	case 0.95:
		return 1.9600
	case 0.99:
		return 2.5758
	}
	return 1.9600
}

// Wilson returns the Wilson score interval for c successes in n trials at the
// given z. n=0 yields the vacuous interval [0,1] with point 0.
func Wilson(n, c int64, z float64) Interval {
	if n <= 0 {
		return Interval{Lower: 0, Point: 0, Upper: 1}
	}
	nf := float64(n)
	p := float64(c) / nf
	z2 := z * z
	denom := 1 + z2/nf
	centre := (p + z2/(2*nf)) / denom
	spread := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / denom
	return Interval{
		Lower: clamp01(centre - spread),
		Point: p,
		Upper: clamp01(centre + spread),
	}
}

// Beats reports whether a significantly beats b: a's lower bound exceeds b's
// upper bound.
func (a Interval) Beats(b Interval) bool {
	return a.Lower > b.Upper
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
