package evidence

import (
	"math"
)

var log2Pi = math.Log(2 * math.Pi)

// moments are weighted running sums over the points of a segment. x and y are
// stored relative to a global origin to limit cancellation in the centred terms.
type moments struct {
	sw, sx, sxx, sy, sxy, syy float64
	logNorm                   float64 // sum of log(sqrt(2π)·s_i) over flattened points
	count                     int     // flattened point count (length × replicates)
}

func (m *moments) add(o moments) {
	m.sw += o.sw
	m.sx += o.sx
	m.sxx += o.sxx
	m.sy += o.sy
	m.sxy += o.sxy
	m.syy += o.syy
	m.logNorm += o.logNorm
	m.count += o.count
}

// fit is the closed-form least-squares solution of one segment
type fit struct {
	chi2   float64 // minimum weighted residual sum of squares
	logDet float64 // log det of the 2x2 normal matrix
	ok     bool
}

// solve fails when any aggregate or intermediate exceeds cutoff in magnitude
func (m moments) solve(cutoff float64) fit {
	if !(m.sw > 0) || !allBelow(cutoff, m.sw, m.sx, m.sxx, m.sy, m.sxy, m.syy) {
		return fit{}
	}
	cxx := m.sxx - m.sx*m.sx/m.sw
	cxy := m.sxy - m.sx*m.sy/m.sw
	cyy := m.syy - m.sy*m.sy/m.sw
	if !(cxx > 0) || !allBelow(cutoff, cxx, cxy, cyy) {
		return fit{}
	}
	chi2 := cyy - cxy*cxy/cxx
	if !allBelow(cutoff, chi2) {
		return fit{}
	}
	// rounding can leave a tiny negative residual on exact fits
	if chi2 < 0 {
		chi2 = 0
	}
	det := m.sw * cxx
	if !finiteBelow(det, cutoff) || !(det > 0) {
		return fit{}
	}
	return fit{chi2: chi2, logDet: math.Log(det), ok: true}
}

// SegmentFit evaluates the evidence of an affine model on one segment
type SegmentFit struct {
	LogPriorVolume float64
	Cutoff         float64
}

// KnownLogEvidence returns the log-evidence of a segment whose per-point errors
// are folded into the moments as weights 1/s². Blow-ups clamp to -Inf.
func (f SegmentFit) KnownLogEvidence(m moments) float64 {
	r := m.solve(f.Cutoff)
	if !r.ok || !finiteBelow(math.Abs(m.logNorm), f.Cutoff) {
		return math.Inf(-1)
	}
	v := -m.logNorm - r.chi2/2 + log2Pi - r.logDet/2 - f.LogPriorVolume
	if math.IsNaN(v) || math.IsInf(v, 1) {
		return math.Inf(-1)
	}
	return v
}

// PowerLaw returns (U, log D) such that the evidence at noise scale σ is
// D·σ^(2-L)·exp(-U/σ²), L being the flattened point count. The moments must
// have been accumulated with unit weights.
func (f SegmentFit) PowerLaw(m moments) (u, logD float64) {
	r := m.solve(f.Cutoff)
	if !r.ok {
		return 0, math.Inf(-1)
	}
	l := float64(m.count)
	return r.chi2 / 2, (1-l/2)*log2Pi - r.logDet/2 - f.LogPriorVolume
}

func finiteBelow(v, cutoff float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v <= cutoff
}

// allBelow reports whether every value is finite with magnitude at most cutoff
func allBelow(cutoff float64, vs ...float64) bool {
	for _, v := range vs {
		if !finiteBelow(math.Abs(v), cutoff) {
			return false
		}
	}
	return true
}
