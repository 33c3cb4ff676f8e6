package stats

import (
	"math"
	"math/rand"
)

// Beta is a Beta(alpha, beta) distribution. The kernel uses the flat
// Beta(1,1) prior, so posteriors are Beta(c+1, n-c+1).
type Beta struct {
	Alpha float64
	Beta  float64
}

// Posterior returns the Beta-Binomial posterior for c successes in n trials
// under the flat prior.
func Posterior(n, c int64) Beta {
	return Beta{Alpha: float64(c) + 1, Beta: float64(n-c) + 1}
}

// Quantile inverts the CDF by bisection over the regularized incomplete beta
// function. Accurate to ~1e-10, plenty for two-decimal credible bounds.
func (d Beta) Quantile(p float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}
	lo, hi := 0.0, 1.0
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		if regIncBeta(d.Alpha, d.Beta, mid) < p {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// CredibleInterval returns the central credible interval at the given level.
func (d Beta) CredibleInterval(level float64) (lower, upper float64) {
	tail := (1 - level) / 2
	return d.Quantile(tail), d.Quantile(1 - tail)
}

// Sample draws one variate using the Gamma ratio construction
// (Marsaglia-Tsang for shape >= 1, boosted for shape < 1).
func (d Beta) Sample(rng *rand.Rand) float64 {
	x := sampleGamma(rng, d.Alpha)
	y := sampleGamma(rng, d.Beta)
	if x+y == 0 {
		return 0
	}
	return x / (x + y)
}

func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost: Gamma(a) = Gamma(a+1) * U^(1/a).
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// regIncBeta computes I_x(a,b) via the continued fraction expansion.
func regIncBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	ln := lgamma(a+b) - lgamma(a) - lgamma(b) + a*math.Log(x) + b*math.Log(1-x)
	front := math.Exp(ln)
	if x < (a+1)/(a+b+2) {
		return front * betacf(a, b, x) / a
	}
	return 1 - front*betacf(b, a, 1-x)/b
}

// betacf is the modified Lentz continued fraction for the incomplete beta.
func betacf(a, b, x float64) float64 {
	const (
		maxIter = 300
		eps     = 3e-14
		fpmin   = 1e-300
	)
	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < fpmin {
		d = fpmin
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		mf := float64(m)
		m2 := 2 * mf
		aa := mf * (b - mf) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpmin {
			d = fpmin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpmin {
			c = fpmin
		}
		d = 1 / d
		h *= d * c
		aa = -(a + mf) * (qab + mf) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpmin {
			d = fpmin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpmin {
			c = fpmin
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}
