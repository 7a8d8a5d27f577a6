package noise

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/integrate/quad"
)

// integral is a definite integral of exp(f) kept in the log domain
type integral struct {
	logValue float64
	logErr   float64
	ok       bool
}

func (r integral) finite() bool {
	return r.ok && !math.IsNaN(r.logValue) && !math.IsInf(r.logValue, 0)
}

// accurate reports whether the value exceeds its own error estimate
func (r integral) accurate() bool {
	return r.logValue > r.logErr
}

// logIntegrand is log of the integrand as a function of t = log σ
type logIntegrand func(t float64) float64

// sample evaluates f on ts and returns the values and their finite maximum
func sample(f logIntegrand, ts []float64) ([]float64, float64) {
	vals := make([]float64, len(ts))
	shift := math.Inf(-1)
	for i, t := range ts {
		v := f(t)
		vals[i] = v
		if !math.IsNaN(v) && v > shift {
			shift = v
		}
	}
	return vals, shift
}

func expShifted(vals []float64, shift float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			v = math.Inf(-1)
		}
		out[i] = math.Exp(v - shift)
	}
	return out
}

// simpsonLog integrates exp(f) with Simpson's rule over two log-spaced grids,
// one decade below and one decade above the centre. The error estimate is the
// gap between Simpson's rule and the trapezoidal rule on the same nodes.
func simpsonLog(f logIntegrand, center float64, points int) integral {
	all := floats.Span(make([]float64, 2*points-1), center-math.Ln10, center+math.Ln10)
	vals, shift := sample(f, all)
	if math.IsInf(shift, 0) {
		return integral{}
	}
	ys := expShifted(vals, shift)

	lower, upper := all[:points], all[points-1:]
	yl, yu := ys[:points], ys[points-1:]
	simpson := integrate.Simpsons(lower, yl) + integrate.Simpsons(upper, yu)
	trapezoid := integrate.Trapezoidal(lower, yl) + integrate.Trapezoidal(upper, yu)
	if !(simpson > 0) || math.IsInf(simpson, 0) {
		return integral{}
	}
	return integral{
		logValue: shift + math.Log(simpson),
		logErr:   shift + math.Log(math.Abs(simpson-trapezoid)),
		ok:       true,
	}
}

const (
	quadScanDecades = 12
	quadScanPoints  = 193
	quadLogDrop     = 60.0
	quadRelTol      = 1e-10
)

// quadLog integrates exp(f) over t in (-∞,∞). A coarse scan brackets the
// region within quadLogDrop of the peak, then Gauss-Legendre quadrature is
// refined by doubling the node count until two estimates agree.
func quadLog(f logIntegrand, center float64, maxNodes int) integral {
	span := quadScanDecades * math.Ln10
	ts := floats.Span(make([]float64, quadScanPoints), center-span, center+span)
	vals, shift := sample(f, ts)
	if math.IsInf(shift, 0) {
		return integral{}
	}

	peak := 0
	for i, v := range vals {
		if v == shift {
			peak = i
			break
		}
	}
	lo, hi := peak, peak
	for lo > 0 && vals[lo] > shift-quadLogDrop {
		lo--
	}
	for hi < len(ts)-1 && vals[hi] > shift-quadLogDrop {
		hi++
	}
	a, b := ts[lo], ts[hi]

	g := func(t float64) float64 {
		v := f(t)
		if math.IsNaN(v) {
			return 0
		}
		return math.Exp(v - shift)
	}

	n := 16
	cur := quad.Fixed(g, a, b, n, quad.Legendre{}, 0)
	errEst := math.Abs(cur)
	for n*2 <= maxNodes {
		n *= 2
		next := quad.Fixed(g, a, b, n, quad.Legendre{}, 0)
		errEst = math.Abs(next - cur)
		cur = next
		if errEst <= quadRelTol*math.Abs(cur) {
			break
		}
	}
	if !(cur > 0) || math.IsInf(cur, 0) {
		return integral{}
	}
	return integral{
		logValue: shift + math.Log(cur),
		logErr:   shift + math.Log(errEst),
		ok:       true,
	}
}
