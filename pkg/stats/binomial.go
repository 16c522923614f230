// Package stats implements binomial proportion confidence intervals for
// attack-success-rate reporting: Wilson score intervals for general use and
// exact Clopper-Pearson intervals for small samples and extreme outcomes.
package stats

import (
	"fmt"
	"math"
)

// Method selects the interval construction.
type Method string

const (
	// MethodWilson is the Wilson score interval.
	MethodWilson Method = "wilson"
	// MethodClopperPearson is the exact (beta quantile) interval.
	MethodClopperPearson Method = "clopper-pearson"
	// MethodAuto picks Clopper-Pearson when n < 20 or the outcome is
	// extreme (0 or n successes), Wilson otherwise. n == 20 non-extreme
	// gets Wilson.
	MethodAuto Method = "auto"
)

// Interval is a two-sided confidence interval for a proportion.
type Interval struct {
	Low    float64
	High   float64
	Method Method // resolved method, never "auto"
}

// zForConfidence maps common confidence levels to standard normal quantiles.
// Levels outside the table fall back to a rational approximation.
func zForConfidence(confidence float64) float64 {
	switch confidence {
	case 0.90:
		return 1.6448536269514722
	case 0.95:
		return 1.959963984540054
	case 0.99:
		return 2.5758293035489004
	}
	return normalQuantile(1 - (1-confidence)/2)
}

// Proportion returns a confidence interval for successes out of n trials.
// confidence is the two-sided level, e.g. 0.95.
func Proportion(successes, n int, confidence float64, method Method) (Interval, error) {
	if n <= 0 {
		return Interval{}, fmt.Errorf("sample size must be positive, got %d", n)
	}
	if successes < 0 || successes > n {
		return Interval{}, fmt.Errorf("successes %d out of range [0,%d]", successes, n)
	}
	if confidence <= 0 || confidence >= 1 {
		return Interval{}, fmt.Errorf("confidence must be in (0,1), got %g", confidence)
	}

	resolved := method
	if method == MethodAuto {
		if n < 20 || successes == 0 || successes == n {
			resolved = MethodClopperPearson
		} else {
			resolved = MethodWilson
		}
	}

	switch resolved {
	case MethodWilson:
		low, high := wilson(successes, n, confidence)
		return Interval{Low: low, High: high, Method: MethodWilson}, nil
	case MethodClopperPearson:
		low, high := clopperPearson(successes, n, confidence)
		return Interval{Low: low, High: high, Method: MethodClopperPearson}, nil
	default:
		return Interval{}, fmt.Errorf("unknown interval method %q", method)
	}
}

// wilson computes the Wilson score interval:
//
//	center = (p + z^2/2n) / (1 + z^2/n)
//	margin = z/(1 + z^2/n) * sqrt(p(1-p)/n + z^2/4n^2)
func wilson(successes, n int, confidence float64) (float64, float64) {
	z := zForConfidence(confidence)
	p := float64(successes) / float64(n)
	nf := float64(n)
	z2 := z * z

	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	margin := z / denom * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))

	return clamp01(center - margin), clamp01(center + margin)
}

// clopperPearson computes the exact interval from beta distribution quantiles:
//
//	low  = BetaQuantile(alpha/2, s, n-s+1)      (0 when s == 0)
//	high = BetaQuantile(1-alpha/2, s+1, n-s)    (1 when s == n)
func clopperPearson(successes, n int, confidence float64) (float64, float64) {
	alpha := 1 - confidence
	s := float64(successes)
	nf := float64(n)

	low := 0.0
	if successes > 0 {
		low = betaQuantile(alpha/2, s, nf-s+1)
	}
	high := 1.0
	if successes < n {
		high = betaQuantile(1-alpha/2, s+1, nf-s)
	}
	return clamp01(low), clamp01(high)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// betaQuantile inverts the regularized incomplete beta function by bisection.
// RegIncBeta is monotone in x, so 100 iterations pin the root to ~1e-30,
// far below float64 precision.
func betaQuantile(p, a, b float64) float64 {
	lo, hi := 0.0, 1.0
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		if regIncBeta(a, b, mid) < p {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// regIncBeta is the regularized incomplete beta function I_x(a,b), evaluated
// with the continued-fraction expansion (Lentz's method). The symmetry
// I_x(a,b) = 1 - I_{1-x}(b,a) keeps the fraction in its fast-converging
// region.
func regIncBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}

	lbeta, _ := math.Lgamma(a + b)
	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	front := math.Exp(lbeta - la - lb + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

func betaContinuedFraction(a, b, x float64) float64 {
	const (
		maxIterations = 300
		epsilon       = 1e-15
		tiny          = 1e-30
	)

	qab := a + b
	qap := a + 1
	qam := a - 1

	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	result := d

	for m := 1; m <= maxIterations; m++ {
		mf := float64(m)

		// Even step.
		num := mf * (b - mf) * x / ((qam + 2*mf) * (a + 2*mf))
		d = 1 + num*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + num/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		result *= d * c

		// Odd step.
		num = -(a + mf) * (qab + mf) * x / ((a + 2*mf) * (qap + 2*mf))
		d = 1 + num*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + num/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		delta := d * c
		result *= delta

		if math.Abs(delta-1) < epsilon {
			break
		}
	}
	return result
}

// normalQuantile approximates the standard normal quantile function for
// confidence levels outside the precomputed table (Acklam's rational
// approximation, relative error below 1.15e-9).
func normalQuantile(p float64) float64 {
	if p <= 0 || p >= 1 {
		return math.NaN()
	}

	a := []float64{-39.69683028665376, 220.9460984245205, -275.9285104469687,
		138.3577518672690, -30.66479806614716, 2.506628277459239}
	b := []float64{-54.47609879822406, 161.5858368580409, -155.6989798598866,
		66.80131188771972, -13.28068155288572}
	c := []float64{-0.007784894002430293, -0.3223964580411365, -2.400758277161838,
		-2.549732539343734, 4.374664141464968, 2.938163982698783}
	d := []float64{0.007784695709041462, 0.3224671290700398, 2.445134137142996,
		3.754408661907416}

	const pLow = 0.02425
	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p > 1-pLow:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	default:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	}
}
