package engine

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"bayesseg/adapters/stats/evidence"
	"bayesseg/adapters/stats/noise"
	"bayesseg/domain/segment"
	"bayesseg/internal/diagnostics"
	"bayesseg/internal/errors"
)

const minSegmentFloor = 3

// exactMaxSegments is the largest M summed by enumeration when σ is unknown
const exactMaxSegments = 3

// modelState is the memoised state of one candidate segment count
type modelState struct {
	logZ     float64 // natural-log evidence before the boundary-configuration prior
	computed bool
	sigma    float64
	hasSigma bool
}

// Selector ranks candidate segment counts by evidence and locates boundaries.
// It owns the sample, the evidence tables and the per-M cache; calls are
// serialised so every cache entry has a single writer.
type Selector struct {
	id     uuid.UUID
	sample segment.Sample
	mode   segment.ErrorMode
	errVec []float64
	prior  segment.Prior
	minLen int
	opts   Options
	sink   *diagnostics.Sink

	known  *evidence.Table     // fixed-error modes
	powers *evidence.PowerLaw  // unknown-error mode
	est    *noise.Estimator    // unknown-error mode
	sigma0 float64

	mu    sync.Mutex
	cache map[int]*modelState
}

// NewSingle builds a Selector for a single replicate row
func NewSingle(x, y []float64, opts Options) (*Selector, error) {
	return New(x, [][]float64{y}, opts)
}

// New validates the sample, resolves the error model and the prior, and
// builds the evidence tables
func New(x []float64, y [][]float64, opts Options) (*Selector, error) {
	return NewWithContext(context.Background(), x, y, opts)
}

// NewWithContext is New with cancellation of the evidence matrix build
func NewWithContext(ctx context.Context, x []float64, y [][]float64, opts Options) (*Selector, error) {
	opts = opts.withDefaults()
	s := &Selector{
		id:    uuid.New(),
		opts:  opts,
		cache: make(map[int]*modelState),
	}
	s.sink = diagnostics.NewSink(opts.Logger.With(zap.String("selector_id", s.id.String())))

	if err := s.setSample(x, y); err != nil {
		return nil, err
	}
	if err := s.setMinLen(opts.MinLen); err != nil {
		return nil, err
	}
	if opts.Integration != segment.IntegrationSimpson && opts.Integration != segment.IntegrationQuad {
		return nil, errors.ConfigInvalid("unknown integration method")
	}
	if err := s.setErrorModel(opts.Err, opts.EstimateErr); err != nil {
		return nil, err
	}

	prior, guessed, err := evidence.ResolvePrior(s.sample.X, s.sample.Y, evidence.PriorRequest{Raw: opts.Prior, YRange: opts.YRange})
	if err != nil {
		return nil, err
	}
	if guessed {
		s.sink.Warn(diagnostics.KindWeakPrior,
			"no prior or y range given; deriving the prior from the data range is a weak substitute")
	}
	s.prior = prior

	in := evidence.Input{
		X:       s.sample.X,
		Y:       s.sample.Y,
		Err:     s.errVec,
		Prior:   prior,
		MinLen:  s.minLen,
		Workers: opts.Workers,
		Cutoff:  opts.Cutoff,
	}
	if s.mode.HasFixedError() {
		s.known, err = evidence.BuildKnown(ctx, in)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	s.powers, err = evidence.BuildPowerLaw(ctx, in)
	if err != nil {
		return nil, err
	}
	s.est = noise.NewEstimator(s.powers, noise.Settings{
		MaxIter:       opts.EMMaxIter,
		Tolerance:     opts.EMTolerance,
		Method:        opts.Integration,
		SimpsonPoints: opts.SimpsonPoints,
		QuadMaxNodes:  opts.QuadMaxNodes,
	}, s.sink)
	s.sigma0 = noise.InitialSigma(s.sample.Y)
	return s, nil
}

func (s *Selector) setSample(x []float64, y [][]float64) error {
	if len(x) == 0 {
		return errors.ConfigInvalid("x is empty")
	}
	if len(y) == 0 {
		return errors.ConfigInvalid("y has no rows")
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.ValidationError("x contains non-finite values")
		}
	}
	rows := make([][]float64, len(y))
	for r, row := range y {
		if len(row) != len(x) {
			return errors.Newf(errors.CodeConfigInvalid,
				"y row %d has %d points, x has %d", r, len(row), len(x))
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.ValidationError("y contains non-finite values")
			}
		}
		rows[r] = append([]float64(nil), row...)
	}
	s.sample = segment.Sample{X: append([]float64(nil), x...), Y: rows}
	return nil
}

func (s *Selector) setMinLen(minLen int) error {
	switch {
	case minLen < 0:
		return errors.Newf(errors.CodeConfigInvalid, "minlen must be positive, got %d", minLen)
	case minLen == 0:
		minLen = minSegmentFloor
	case minLen < minSegmentFloor:
		s.sink.Warnf(diagnostics.KindMinLenClamped, "minlen %d raised to %d", minLen, minSegmentFloor)
		minLen = minSegmentFloor
	}
	if minLen > s.sample.N() {
		return errors.Newf(errors.CodeConfigInvalid,
			"minlen %d exceeds the number of points %d", minLen, s.sample.N())
	}
	s.minLen = minLen
	return nil
}

func (s *Selector) setErrorModel(errVec []float64, estimate *bool) error {
	if errVec != nil {
		if s.sample.R() != 1 {
			return errors.ConfigInvalid("an error vector requires a single y row")
		}
		if len(errVec) != s.sample.N() {
			return errors.Newf(errors.CodeConfigInvalid,
				"error vector has %d entries, x has %d", len(errVec), s.sample.N())
		}
		for _, e := range errVec {
			if !(e > 0) || math.IsInf(e, 0) {
				return errors.ConfigInvalid("error vector must be positive and finite")
			}
		}
		s.mode = segment.ErrorKnown
		s.errVec = append([]float64(nil), errVec...)
		return nil
	}

	wantEstimate := estimate == nil || *estimate
	if wantEstimate && s.sample.R() >= 3 {
		est, err := s.replicateError()
		if err != nil {
			return err
		}
		s.mode = segment.ErrorEstimated
		s.errVec = est
		return nil
	}
	if estimate != nil && *estimate {
		s.sink.Warnf(diagnostics.KindReplicateError,
			"error estimation needs at least 3 replicates, got %d; inferring a common noise scale instead", s.sample.R())
	}
	s.mode = segment.ErrorUnknown
	return nil
}

// replicateError is the per-point sample standard deviation across replicates.
// Zero entries are replaced by the mean of the non-zero ones.
func (s *Selector) replicateError() ([]float64, error) {
	n, r := s.sample.N(), s.sample.R()
	out := make([]float64, n)
	col := make([]float64, r)
	var nonZero []float64
	for i := 0; i < n; i++ {
		for k := 0; k < r; k++ {
			col[k] = s.sample.Y[k][i]
		}
		sd, err := stats.StandardDeviationSample(col)
		if err != nil {
			return nil, errors.Wrap(errors.WithCode(errors.CodeValidationError, err), "replicate error")
		}
		out[i] = sd
		if sd > 0 {
			nonZero = append(nonZero, sd)
		}
	}
	if len(nonZero) == 0 {
		return nil, errors.ConfigInvalid("replicates are identical; cannot estimate error")
	}
	if len(nonZero) < n {
		fill, err := stats.Mean(nonZero)
		if err != nil {
			return nil, errors.Wrap(errors.WithCode(errors.CodeValidationError, err), "replicate error")
		}
		for i := range out {
			if out[i] == 0 {
				out[i] = fill
			}
		}
		s.sink.Warnf(diagnostics.KindReplicateError,
			"%d points have identical replicates; using the mean error %g there", n-len(nonZero), fill)
	}
	return out, nil
}

// ID identifies this selector in log output
func (s *Selector) ID() uuid.UUID { return s.id }

// ErrorMode reports how measurement error is handled
func (s *Selector) ErrorMode() segment.ErrorMode { return s.mode }

// MinLen returns the effective minimum segment length
func (s *Selector) MinLen() int { return s.minLen }

// Prior returns the resolved slope/intercept box
func (s *Selector) Prior() segment.Prior { return s.prior }

// Sample returns the owned sample; callers must not modify it
func (s *Selector) Sample() segment.Sample { return s.sample }

// ErrorVector returns the supplied or estimated per-point error, nil when unknown
func (s *Selector) ErrorVector() []float64 {
	return append([]float64(nil), s.errVec...)
}

// Warnings returns every advisory emitted so far
func (s *Selector) Warnings() []diagnostics.Warning { return s.sink.Warnings() }

// state returns the cache entry for numSeg, creating it. Caller holds s.mu.
func (s *Selector) state(numSeg int) *modelState {
	st, ok := s.cache[numSeg]
	if !ok {
		st = &modelState{}
		s.cache[numSeg] = st
	}
	return st
}
