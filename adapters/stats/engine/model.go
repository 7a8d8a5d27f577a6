package engine

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
	gstat "gonum.org/v1/gonum/stat"

	"bayesseg/adapters/stats/recursion"
	"bayesseg/domain/segment"
	"bayesseg/internal/diagnostics"
	"bayesseg/internal/errors"
)

// Number computes the log10 evidence of M = 1..maxNum segments and returns
// the most probable M together with the whole curve. When no value is finite
// the returned M is meaningless; a low-evidence warning is emitted.
func (s *Selector) Number(maxNum int) (int, []float64, error) {
	curve, err := s.Curve(maxNum)
	if err != nil {
		return 0, nil, err
	}
	return curve.Best, curve.Log10, nil
}

// Curve is Number returning a segment.EvidenceCurve
func (s *Selector) Curve(maxNum int) (segment.EvidenceCurve, error) {
	if maxNum < 1 {
		return segment.EvidenceCurve{}, errors.Newf(errors.CodeInvalidInput, "max_num must be at least 1, got %d", maxNum)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	curve := make([]float64, maxNum)
	for m := 1; m <= maxNum; m++ {
		logZ, err := s.logZLocked(m)
		if err != nil {
			return segment.EvidenceCurve{}, errors.Wrapf(err, "evidence for %d segments", m)
		}
		curve[m-1] = s.withConfigurationPrior(m, logZ) / math.Ln10
	}

	// ascending scan with strict comparison: ties go to the smaller model
	best, bestVal := 1, curve[0]
	anyFinite := !math.IsInf(curve[0], 0)
	for m := 2; m <= maxNum; m++ {
		v := curve[m-1]
		if !math.IsInf(v, 0) {
			anyFinite = true
		}
		if v > bestVal {
			best, bestVal = m, v
		}
	}

	if !anyFinite {
		s.sink.Warn(diagnostics.KindLowEvidence,
			"all evidences are numerically too small; the selected number of segments is meaningless",
			zap.Int("max_num", maxNum))
	} else if best == maxNum && maxNum > 1 {
		s.sink.Warn(diagnostics.KindRangeTooNarrow,
			"the largest candidate has the highest evidence; the search range may be too narrow",
			zap.Int("max_num", maxNum))
	}

	return segment.EvidenceCurve{Best: best, Log10: curve}, nil
}

// LogEvidence returns the natural-log evidence of numSeg segments, including
// the uniform prior over boundary configurations
func (s *Selector) LogEvidence(numSeg int) (float64, error) {
	if numSeg < 1 {
		return 0, errors.Newf(errors.CodeInvalidInput, "number of segments must be at least 1, got %d", numSeg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	logZ, err := s.logZLocked(numSeg)
	if err != nil {
		return 0, err
	}
	return s.withConfigurationPrior(numSeg, logZ), nil
}

// withConfigurationPrior divides Z(M) by the number of admissible splits
func (s *Selector) withConfigurationPrior(numSeg int, logZ float64) float64 {
	count := recursion.LogCount(s.sample.N(), s.minLen, numSeg)
	if math.IsInf(count, -1) || math.IsNaN(logZ) || math.IsInf(logZ, -1) {
		return math.Inf(-1)
	}
	return logZ - count
}

// logZLocked returns the memoised log Z(M). Failed computations are not cached.
func (s *Selector) logZLocked(numSeg int) (float64, error) {
	st := s.state(numSeg)
	if st.computed {
		return st.logZ, nil
	}

	var (
		logZ float64
		err  error
	)
	switch {
	case s.mode.HasFixedError():
		logZ = recursion.LogZ(s.known, numSeg)
	case numSeg <= exactMaxSegments:
		logZ, err = s.est.ExactLogEvidence(numSeg)
	default:
		logZ, err = s.est.LogEvidence(numSeg, s.sigmaLocked(numSeg))
	}
	if err != nil {
		return 0, err
	}

	st.logZ = logZ
	st.computed = true
	return logZ, nil
}

// sigmaLocked returns the memoised EM noise scale for numSeg
func (s *Selector) sigmaLocked(numSeg int) float64 {
	st := s.state(numSeg)
	if !st.hasSigma {
		st.sigma = s.est.MLE(numSeg, s.sigma0)
		st.hasSigma = true
		s.sink.Logger().Debug("noise scale estimated",
			zap.Int("num_segments", numSeg), zap.Float64("sigma", st.sigma))
	}
	return st.sigma
}

// MLEOfError returns the maximum-likelihood common noise scale for numSeg
// segments. It fails when the error was supplied or estimated from replicates.
func (s *Selector) MLEOfError(numSeg int) (float64, error) {
	if s.mode.HasFixedError() {
		return 0, errors.ErrorKnown("measurement error is already " + s.mode.String() + "; there is no noise scale to infer")
	}
	if numSeg < 1 {
		return 0, errors.Newf(errors.CodeInvalidInput, "number of segments must be at least 1, got %d", numSeg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sigma := s.sigmaLocked(numSeg)
	if math.IsNaN(sigma) {
		return 0, errors.Newf(errors.CodeValidationError,
			"%d segments of at least %d points do not fit in %d points", numSeg, s.minLen, s.sample.N())
	}
	return sigma, nil
}

// Boundaries returns the posterior mean (and optionally standard deviation) of
// the numSeg-1 internal boundaries. Boundary k is the index of the last point
// of segment k. Number must have been called with maxNum >= numSeg first.
func (s *Selector) Boundaries(numSeg int, opts BoundaryOptions) (segment.BoundaryResult, error) {
	if numSeg < 1 {
		return segment.BoundaryResult{}, errors.Newf(errors.CodeInvalidInput, "number of segments must be at least 1, got %d", numSeg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.cache[numSeg]
	if !ok || !st.computed {
		return segment.BoundaryResult{}, errors.Precondition(fmt.Sprintf(
			"evidence for %d segments has not been computed; call Number(max_num >= %d) first", numSeg, numSeg))
	}

	result := segment.BoundaryResult{NumSegments: numSeg, Positions: []float64{}, Rounded: opts.Round}
	if numSeg == 1 {
		return result, nil
	}

	matrix := recursion.Matrix(s.known)
	if !s.mode.HasFixedError() {
		sigma := s.sigmaLocked(numSeg)
		if math.IsNaN(sigma) {
			return segment.BoundaryResult{}, errors.Newf(errors.CodeValidationError,
				"no admissible split into %d segments", numSeg)
		}
		matrix = s.powers.AtSigma(sigma)
	}

	tables := recursion.NewTables(matrix, numSeg)
	logZ := tables.LogZ()
	if math.IsInf(logZ, 0) || math.IsNaN(logZ) {
		return segment.BoundaryResult{}, errors.Newf(errors.CodeValidationError,
			"no split into %d segments has non-zero evidence", numSeg)
	}

	mean, variance := tables.BoundaryMoments(opts.WithError)
	n := s.sample.N()
	for k, m := range mean {
		lo := float64((k+1)*s.minLen - 1)
		hi := float64(n - 1 - (numSeg-k-1)*s.minLen)
		if math.IsNaN(m) || m < lo || m > hi {
			s.sink.Warn(diagnostics.KindBoundaryRange,
				"boundary estimate falls outside its admissible range",
				zap.Int("boundary", k+1), zap.Float64("estimate", m), zap.Float64("min", lo), zap.Float64("max", hi))
		}
	}

	result.Positions = mean
	if opts.Round {
		for i, m := range mean {
			result.Positions[i] = math.Round(m)
		}
	}
	if opts.WithError {
		result.StdDev = make([]float64, len(variance))
		for i, v := range variance {
			result.StdDev[i] = math.Sqrt(v)
		}
	}
	return result, nil
}

// Info fits every segment delimited by boundaries (index of the last point of
// each segment but the final one) and reports its trend and coverage
func (s *Selector) Info(boundaries []int) ([]segment.SegmentInfo, error) {
	n := s.sample.N()
	prev := -1
	for _, b := range boundaries {
		if b-prev < 2 || b > n-3 {
			return nil, errors.Newf(errors.CodeValidationError,
				"boundaries must be increasing and leave at least 2 points per segment: %v", boundaries)
		}
		prev = b
	}

	ends := append(append([]int(nil), boundaries...), n-1)
	out := make([]segment.SegmentInfo, 0, len(ends))
	start := 0
	for _, end := range ends {
		info, err := s.describe(start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
		start = end + 1
	}
	return out, nil
}

func (s *Selector) describe(start, end int) (segment.SegmentInfo, error) {
	var xs, ys, ws []float64
	for _, row := range s.sample.Y {
		for i := start; i <= end; i++ {
			xs = append(xs, s.sample.X[i])
			ys = append(ys, row[i])
			if s.errVec != nil {
				ws = append(ws, 1/(s.errVec[i]*s.errVec[i]))
			}
		}
	}

	intercept, gradient := gstat.LinearRegression(xs, ys, ws, false)
	r2 := gstat.RSquared(xs, ys, ws, intercept, gradient)

	yMin, err := stats.Min(ys)
	if err != nil {
		return segment.SegmentInfo{}, errors.Wrap(errors.WithCode(errors.CodeValidationError, err), "segment y range")
	}
	yMax, err := stats.Max(ys)
	if err != nil {
		return segment.SegmentInfo{}, errors.Wrap(errors.WithCode(errors.CodeValidationError, err), "segment y range")
	}

	x0, x1 := s.sample.X[start], s.sample.X[end]
	return segment.SegmentInfo{
		Start:     start,
		End:       end,
		Gradient:  gradient,
		Intercept: intercept,
		RSquare:   r2,
		XRange:    [2]float64{x0, x1},
		YRange:    [2]float64{yMin, yMax},
		DeltaX:    x1 - x0,
		DeltaY:    gradient * (x1 - x0),
	}, nil
}
