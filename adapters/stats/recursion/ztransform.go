// Package recursion contracts a triangular table of per-segment evidences into
// partition functions over all ways of splitting a series into M contiguous
// segments, plus the boundary moments and segment expectations derived from them.
//
// Everything is carried in the log domain. For a table E with E[s,e] the
// evidence of the segment covering points s..e, the backward vectors are
//
//	f_1[i]     = E[i, N-1]
//	f_{k+1}[i] = Σ_j E[i,j]·f_k[j+1]
//
// and Z(M) = f_M[0]. The forward vectors g_k[j] play the same role from the
// left edge, so that g_k[j]·f_{M-k}[j+1] is the unnormalised weight of
// boundary k sitting at index j.
package recursion

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Matrix is a triangular table of per-segment log-evidences
type Matrix interface {
	// Size returns the number of points N
	Size() int
	// LogAt returns the log-evidence of the segment s..e (inclusive);
	// ok is false when the cell does not hold a segment
	LogAt(s, e int) (float64, bool)
}

var negInf = math.Inf(-1)

// logSumExp returns log Σ exp(terms), -Inf for an empty slice
func logSumExp(terms []float64) float64 {
	if len(terms) == 0 {
		return negInf
	}
	return floats.LogSumExp(terms)
}

// logAddExp returns log(exp(a) + exp(b))
func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

func filled(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = negInf
	}
	return v
}

// Tables holds the forward and backward vectors for one segment count.
//
// bwd[k][i], i in [0,N], is the log-sum over all splits of points i..N-1 into
// k segments; bwd[0][N] = 0.
// fwd[k][j+1], j in [-1,N-1], is the log-sum over all splits of points 0..j
// into k segments; fwd[0][0] = 0.
type Tables struct {
	m      Matrix
	n      int
	numSeg int
	fwd    [][]float64
	bwd    [][]float64
}

// NewTables runs both sweeps of the contraction for numSeg segments
func NewTables(m Matrix, numSeg int) *Tables {
	t := &Tables{m: m, n: m.Size(), numSeg: numSeg}
	t.bwd = backward(m, numSeg)
	t.fwd = forward(m, numSeg)
	return t
}

// backward computes bwd[0..numSeg] with an explicit loop over k
func backward(m Matrix, numSeg int) [][]float64 {
	n := m.Size()
	bwd := make([][]float64, numSeg+1)
	bwd[0] = filled(n + 1)
	bwd[0][n] = 0

	terms := make([]float64, 0, n)
	for k := 1; k <= numSeg; k++ {
		cur := filled(n + 1)
		prev := bwd[k-1]
		for i := 0; i < n; i++ {
			terms = terms[:0]
			for j := i; j < n; j++ {
				tail := prev[j+1]
				if math.IsInf(tail, -1) {
					continue
				}
				v, ok := m.LogAt(i, j)
				if !ok || math.IsInf(v, -1) {
					continue
				}
				terms = append(terms, v+tail)
			}
			cur[i] = logSumExp(terms)
		}
		bwd[k] = cur
	}
	return bwd
}

// forward computes fwd[0..numSeg], indices shifted by one so fwd[k][0] is j = -1
func forward(m Matrix, numSeg int) [][]float64 {
	n := m.Size()
	fwd := make([][]float64, numSeg+1)
	fwd[0] = filled(n + 1)
	fwd[0][0] = 0

	terms := make([]float64, 0, n)
	for k := 1; k <= numSeg; k++ {
		cur := filled(n + 1)
		prev := fwd[k-1]
		for e := 0; e < n; e++ {
			terms = terms[:0]
			for s := 0; s <= e; s++ {
				head := prev[s]
				if math.IsInf(head, -1) {
					continue
				}
				v, ok := m.LogAt(s, e)
				if !ok || math.IsInf(v, -1) {
					continue
				}
				terms = append(terms, head+v)
			}
			cur[e+1] = logSumExp(terms)
		}
		fwd[k] = cur
	}
	return fwd
}

// LogZ returns log Z(numSeg): the log-sum over every split of the whole series
// into numSeg segments of the product of segment evidences
func LogZ(m Matrix, numSeg int) float64 {
	if numSeg < 1 || m.Size() == 0 {
		return negInf
	}
	if numSeg == 1 {
		v, ok := m.LogAt(0, m.Size()-1)
		if !ok {
			return negInf
		}
		return v
	}
	return backward(m, numSeg)[numSeg][0]
}

// LogZ returns log Z for the table's segment count
func (t *Tables) LogZ() float64 {
	return t.bwd[t.numSeg][0]
}

// NumSegments returns M
func (t *Tables) NumSegments() int { return t.numSeg }

// LogBoundaryWeight returns the unnormalised log-weight of boundary k
// (1 <= k < M) sitting at index j, i.e. segment k ending at j
func (t *Tables) LogBoundaryWeight(k, j int) float64 {
	if k < 1 || k >= t.numSeg || j < 0 || j >= t.n-1 {
		return negInf
	}
	head := t.fwd[k][j+1]
	tail := t.bwd[t.numSeg-k][j+1]
	if math.IsInf(head, -1) || math.IsInf(tail, -1) {
		return negInf
	}
	return head + tail
}

// LogMoment returns log Σ_decompositions (i_k)^p · Π E, where i_k is the
// index of boundary k. p = 0 gives log Z.
func (t *Tables) LogMoment(k int, p float64) float64 {
	terms := make([]float64, 0, t.n)
	for j := 0; j < t.n-1; j++ {
		w := t.LogBoundaryWeight(k, j)
		if math.IsInf(w, -1) {
			continue
		}
		if p != 0 {
			if j == 0 {
				continue
			}
			w += p * math.Log(float64(j))
		}
		terms = append(terms, w)
	}
	return logSumExp(terms)
}

// LogMoment is the stand-alone form of Tables.LogMoment
func LogMoment(m Matrix, numSeg, k int, p float64) float64 {
	return NewTables(m, numSeg).LogMoment(k, p)
}

// BoundaryMoments returns the posterior mean of every internal boundary and,
// when withVariance is set, its variance. Both slices have M-1 entries.
func (t *Tables) BoundaryMoments(withVariance bool) (mean, variance []float64) {
	logZ := t.LogZ()
	mean = make([]float64, t.numSeg-1)
	if withVariance {
		variance = make([]float64, t.numSeg-1)
	}
	for k := 1; k < t.numSeg; k++ {
		m1 := math.Exp(t.LogMoment(k, 1) - logZ)
		mean[k-1] = m1
		if withVariance {
			m2 := math.Exp(t.LogMoment(k, 2) - logZ)
			v := m2 - m1*m1
			if v < 0 {
				v = 0
			}
			variance[k-1] = v
		}
	}
	return mean, variance
}

// ExpectedSegmentSum returns the posterior expectation, over all splits into M
// segments, of Σ_segments w(s,e). w must be non-negative.
func (t *Tables) ExpectedSegmentSum(w func(s, e int) float64) float64 {
	logZ := t.LogZ()
	if math.IsInf(logZ, -1) {
		return math.NaN()
	}
	terms := make([]float64, 0, t.n)
	for s := 0; s < t.n; s++ {
		for e := s; e < t.n; e++ {
			v, ok := t.m.LogAt(s, e)
			if !ok || math.IsInf(v, -1) {
				continue
			}
			wv := w(s, e)
			if wv <= 0 {
				continue
			}
			// segment s..e may be the k-th of M for any k
			occupancy := negInf
			for k := 1; k <= t.numSeg; k++ {
				head := t.fwd[k-1][s]
				tail := t.bwd[t.numSeg-k][e+1]
				if math.IsInf(head, -1) || math.IsInf(tail, -1) {
					continue
				}
				occupancy = logAddExp(occupancy, head+tail)
			}
			if math.IsInf(occupancy, -1) {
				continue
			}
			terms = append(terms, occupancy+v+math.Log(wv))
		}
	}
	return math.Exp(logSumExp(terms) - logZ)
}

// LogCount returns the log of the number of ways to split n points into
// numSeg contiguous segments of at least minLen points each
func LogCount(n, minLen, numSeg int) float64 {
	if numSeg < 1 || minLen < 1 {
		return negInf
	}
	free := n - numSeg*minLen
	if free < 0 {
		return negInf
	}
	// compositions of free extra points into numSeg parts: C(free+numSeg-1, numSeg-1)
	return lchoose(free+numSeg-1, numSeg-1)
}

func lchoose(n, k int) float64 {
	a, _ := math.Lgamma(float64(n + 1))
	b, _ := math.Lgamma(float64(k + 1))
	c, _ := math.Lgamma(float64(n - k + 1))
	return a - b - c
}
