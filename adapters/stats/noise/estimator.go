package noise

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"bayesseg/adapters/stats/evidence"
	"bayesseg/adapters/stats/recursion"
	"bayesseg/domain/segment"
	"bayesseg/internal/diagnostics"
	"bayesseg/internal/errors"
)

// Settings controls the EM loop and the σ integration
type Settings struct {
	MaxIter       int
	Tolerance     float64
	Method        segment.IntegrationMethod
	SimpsonPoints int // per grid, odd
	QuadMaxNodes  int
}

// DefaultSettings mirrors config.Default
func DefaultSettings() Settings {
	return Settings{
		MaxIter:       100,
		Tolerance:     1e-5,
		Method:        segment.IntegrationSimpson,
		SimpsonPoints: 101,
		QuadMaxNodes:  1024,
	}
}

// Estimator marginalises a common unknown noise scale σ. It only borrows the
// coefficient tables and holds no mutable state of its own.
type Estimator struct {
	cells    *evidence.PowerLaw
	settings Settings
	sink     *diagnostics.Sink
}

// NewEstimator wraps a power-law coefficient table
func NewEstimator(cells *evidence.PowerLaw, settings Settings, sink *diagnostics.Sink) *Estimator {
	def := DefaultSettings()
	if settings.MaxIter < 1 {
		settings.MaxIter = def.MaxIter
	}
	if settings.Tolerance <= 0 {
		settings.Tolerance = def.Tolerance
	}
	if settings.SimpsonPoints < 3 {
		settings.SimpsonPoints = def.SimpsonPoints
	}
	if settings.SimpsonPoints%2 == 0 {
		settings.SimpsonPoints++
	}
	if settings.QuadMaxNodes < 16 {
		settings.QuadMaxNodes = def.QuadMaxNodes
	}
	return &Estimator{cells: cells, settings: settings, sink: sink}
}

// totalPoints is N·R
func (e *Estimator) totalPoints() int {
	return e.cells.Size() * e.cells.Replicates()
}

// dof returns N·R/2 - M, the exponent that drives both the EM update and the
// closed-form σ integral
func (e *Estimator) dof(numSeg int) float64 {
	return float64(e.totalPoints())/2 - float64(numSeg)
}

// Feasible reports whether numSeg segments can be placed and the σ integral exists
func (e *Estimator) Feasible(numSeg int) bool {
	if math.IsInf(recursion.LogCount(e.cells.Size(), e.cells.MinLen(), numSeg), -1) {
		return false
	}
	return e.dof(numSeg) > 0
}

// InitialSigma is the root-mean-square spread of the replicate rows, or 1 when
// there is a single row or no spread at all
func InitialSigma(y [][]float64) float64 {
	if len(y) < 2 {
		return 1
	}
	n := len(y[0])
	var sum float64
	col := make([]float64, len(y))
	for i := 0; i < n; i++ {
		for r := range y {
			col[r] = y[r][i]
		}
		v, err := stats.SampleVariance(col)
		if err != nil {
			return 1
		}
		sum += v
	}
	rms := math.Sqrt(sum / float64(n))
	if !(rms > 0) || math.IsInf(rms, 0) {
		return 1
	}
	return rms
}

// LogZAt returns log Z(σ, M) for σ = exp(logSigma)
func (e *Estimator) LogZAt(numSeg int, logSigma float64) float64 {
	return recursion.LogZ(e.cells.AtSigma(math.Exp(logSigma)), numSeg)
}

// MLE runs the EM fixed point σ ← sqrt(E[U] / (N·R/2 − M)) from sigma0.
// Non-convergence and degenerate updates are reported as warnings and the
// last usable estimate is returned. NaN means the model is infeasible.
func (e *Estimator) MLE(numSeg int, sigma0 float64) float64 {
	if !e.Feasible(numSeg) {
		return math.NaN()
	}
	if !(sigma0 > 0) || math.IsInf(sigma0, 0) {
		sigma0 = 1
	}
	denom := e.dof(numSeg)
	sigma := sigma0

	for iter := 0; iter < e.settings.MaxIter; iter++ {
		tables := recursion.NewTables(e.cells.AtSigma(sigma), numSeg)
		if math.IsInf(tables.LogZ(), -1) {
			e.sink.Warn(diagnostics.KindEMNotConverged,
				"noise scale estimation: normaliser vanished, keeping last estimate",
				zap.Int("num_segments", numSeg), zap.Float64("sigma", sigma))
			return sigma
		}
		expectedU := tables.ExpectedSegmentSum(e.cells.U)
		next := math.Sqrt(expectedU / denom)
		if !(next > 0) || math.IsInf(next, 0) {
			e.sink.Warn(diagnostics.KindEMNotConverged,
				"noise scale estimation: degenerate update, keeping last estimate",
				zap.Int("num_segments", numSeg), zap.Float64("sigma", sigma), zap.Float64("update", next))
			return sigma
		}
		if math.Abs(next-sigma)/sigma < e.settings.Tolerance {
			return next
		}
		sigma = next
	}

	e.sink.Warn(diagnostics.KindEMNotConverged,
		"noise scale estimation did not converge, returning last estimate",
		zap.Int("num_segments", numSeg), zap.Int("iterations", e.settings.MaxIter), zap.Float64("sigma", sigma))
	return sigma
}

// LogEvidence integrates Z(σ, M) against the scale-invariant prior dσ/σ, using
// the configured method and falling back to quadrature when Simpson's rule
// cannot be used or does not produce a finite value.
func (e *Estimator) LogEvidence(numSeg int, sigmaMLE float64) (float64, error) {
	if !e.Feasible(numSeg) {
		return math.Inf(-1), nil
	}
	f := func(t float64) float64 { return e.LogZAt(numSeg, t) }

	var res integral
	if e.settings.Method == segment.IntegrationSimpson && sigmaMLE > 0 && !math.IsInf(sigmaMLE, 0) {
		res = simpsonLog(f, math.Log(sigmaMLE), e.settings.SimpsonPoints)
	}
	if !res.finite() {
		center := math.Log(sigmaMLE)
		if !(sigmaMLE > 0) || math.IsInf(sigmaMLE, 0) {
			center = 0
		}
		res = quadLog(f, center, e.settings.QuadMaxNodes)
	}
	if !res.finite() {
		return 0, errors.NumericalOverflow(fmt.Sprintf("σ integral for %d segments is not finite", numSeg))
	}
	if !res.accurate() {
		e.sink.Warn(diagnostics.KindIntegralAccuracy,
			"σ integral does not exceed its error estimate",
			zap.Int("num_segments", numSeg), zap.Float64("log_value", res.logValue), zap.Float64("log_error", res.logErr))
	}
	return res.logValue, nil
}

// ExactLogEvidence sums the closed-form σ integral ½·Γ(a)·D·U^(−a),
// a = N·R/2 − M, over every split. Only used for M <= 3 where the
// enumeration is at most quadratic in N.
func (e *Estimator) ExactLogEvidence(numSeg int) (float64, error) {
	if numSeg < 1 || numSeg > 3 {
		return 0, errors.Newf(errors.CodeInvalidInput, "exact σ integral supports 1 to 3 segments, got %d", numSeg)
	}
	if !e.Feasible(numSeg) {
		return math.Inf(-1), nil
	}
	a := e.dof(numSeg)
	lg, _ := math.Lgamma(a)
	constant := lg - math.Ln2

	n := e.cells.Size()
	total := math.Inf(-1)
	add := func(bounds ...int) {
		var u, logD float64
		start := 0
		for _, end := range bounds {
			cu, cd, ok := e.cells.Coefficients(start, end)
			if !ok {
				return
			}
			u += cu
			logD += cd
			start = end + 1
		}
		if math.IsInf(logD, -1) {
			return
		}
		total = logAddExp(total, constant+logD-a*math.Log(u))
	}

	switch numSeg {
	case 1:
		add(n - 1)
	case 2:
		for i := 0; i < n-1; i++ {
			add(i, n-1)
		}
	case 3:
		for i := 0; i < n-2; i++ {
			for j := i + 1; j < n-1; j++ {
				add(i, j, n-1)
			}
		}
	}

	if math.IsNaN(total) || math.IsInf(total, 1) {
		return 0, errors.NumericalOverflow(fmt.Sprintf("closed-form σ integral for %d segments is not finite", numSeg))
	}
	return total, nil
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if math.IsInf(a, 1) || math.IsInf(b, 1) {
		return math.Inf(1)
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
