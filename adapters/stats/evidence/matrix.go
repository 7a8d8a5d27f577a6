package evidence

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"bayesseg/domain/segment"
	"bayesseg/internal/errors"
)

// DefaultCutoff is the magnitude above which a segment aggregate is treated as
// a numerical blow-up
const DefaultCutoff = 1e250

// Input is everything the matrix builder needs
type Input struct {
	X       []float64
	Y       [][]float64
	Err     []float64 // per-point error; ignored by BuildPowerLaw
	Prior   segment.Prior
	MinLen  int
	Workers int
	Cutoff  float64
}

func (in Input) validate(needErr bool) error {
	n := len(in.X)
	if n == 0 || len(in.Y) == 0 {
		return errors.InvalidInput("empty sample")
	}
	for _, row := range in.Y {
		if len(row) != n {
			return errors.InvalidInput("replicate row length differs from x")
		}
	}
	if needErr && len(in.Err) != n {
		return errors.InvalidInput("error vector length differs from x")
	}
	if in.MinLen < 1 || in.MinLen > n {
		return errors.Newf(errors.CodeInvalidInput, "minlen %d outside [1,%d]", in.MinLen, n)
	}
	if !in.Prior.Valid() {
		return errors.InvalidInput("prior box is degenerate")
	}
	return nil
}

func (in Input) fitter() SegmentFit {
	cutoff := in.Cutoff
	if cutoff <= 0 {
		cutoff = DefaultCutoff
	}
	return SegmentFit{LogPriorVolume: in.Prior.LogVolume(), Cutoff: cutoff}
}

// pointMoments folds the replicate rows of every index into one moments value.
// With weighted=false every point has unit weight and no normalisation term.
func (in Input) pointMoments(weighted bool) []moments {
	n := len(in.X)
	x0, y0 := in.X[0], 0.0
	for _, row := range in.Y {
		y0 += row[0]
	}
	y0 /= float64(len(in.Y))

	out := make([]moments, n)
	halfLog2Pi := log2Pi / 2
	for i := 0; i < n; i++ {
		w, logNorm := 1.0, 0.0
		if weighted {
			w = 1 / (in.Err[i] * in.Err[i])
			logNorm = halfLog2Pi + math.Log(in.Err[i])
		}
		x := in.X[i] - x0
		var m moments
		for _, row := range in.Y {
			y := row[i] - y0
			m.sw += w
			m.sx += w * x
			m.sxx += w * x * x
			m.sy += w * y
			m.sxy += w * x * y
			m.syy += w * y * y
			m.logNorm += logNorm
			m.count++
		}
		out[i] = m
	}
	return out
}

// fillRows runs fn for every start index, spreading rows over workers.
// Each row is owned by exactly one goroutine.
func fillRows(ctx context.Context, n, workers int, fn func(s int)) error {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for s := 0; s < n; s++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(s)
			return nil
		})
	}
	return g.Wait()
}

func nanDense(n int) *mat.Dense {
	data := make([]float64, n*n)
	for i := range data {
		data[i] = math.NaN()
	}
	return mat.NewDense(n, n, data)
}

// BuildKnown fills the log-evidence table for fixed per-point errors
func BuildKnown(ctx context.Context, in Input) (*Table, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}
	for _, e := range in.Err {
		if !(e > 0) || math.IsInf(e, 0) {
			return nil, errors.InvalidInput("error vector must be positive and finite")
		}
	}

	n := len(in.X)
	pts := in.pointMoments(true)
	fitter := in.fitter()
	t := &Table{n: n, minLen: in.MinLen, logE: nanDense(n)}

	err := fillRows(ctx, n, in.Workers, func(s int) {
		var acc moments
		for e := s; e < n; e++ {
			acc.add(pts[e])
			if e-s+1 >= in.MinLen {
				t.logE.Set(s, e, fitter.KnownLogEvidence(acc))
			}
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "evidence matrix build cancelled")
	}
	return t, nil
}

// BuildPowerLaw fills the (U, log D) tables used when the noise scale is unknown
func BuildPowerLaw(ctx context.Context, in Input) (*PowerLaw, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}

	n := len(in.X)
	pts := in.pointMoments(false)
	fitter := in.fitter()
	p := &PowerLaw{n: n, minLen: in.MinLen, reps: len(in.Y), u: nanDense(n), logD: nanDense(n)}

	err := fillRows(ctx, n, in.Workers, func(s int) {
		var acc moments
		for e := s; e < n; e++ {
			acc.add(pts[e])
			if e-s+1 >= in.MinLen {
				u, logD := fitter.PowerLaw(acc)
				p.u.Set(s, e, u)
				p.logD.Set(s, e, logD)
			}
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "evidence matrix build cancelled")
	}
	return p, nil
}

// Table is the upper-triangular matrix of per-segment log-evidences.
// Cell (s,e) covers points s..e inclusive and exists only when e-s+1 >= minlen;
// all other cells hold NaN and are never returned by LogAt.
type Table struct {
	n, minLen int
	logE      *mat.Dense
}

// Size returns N
func (t *Table) Size() int { return t.n }

// MinLen returns the minimum segment length
func (t *Table) MinLen() int { return t.minLen }

// Valid reports whether cell (s,e) holds a segment
func (t *Table) Valid(s, e int) bool {
	return s >= 0 && e < t.n && e-s+1 >= t.minLen
}

// LogAt returns the log-evidence of segment s..e; ok is false for invalid cells
func (t *Table) LogAt(s, e int) (float64, bool) {
	if !t.Valid(s, e) {
		return math.Inf(-1), false
	}
	return t.logE.At(s, e), true
}

// Raw exposes the stored matrix, NaN sentinels included
func (t *Table) Raw() mat.Matrix { return t.logE }

// PowerLaw stores per-segment coefficients for the unknown-noise evidence
// D·σ^(2-L)·exp(-U/σ²)
type PowerLaw struct {
	n, minLen, reps int
	u, logD         *mat.Dense
}

// Size returns N
func (p *PowerLaw) Size() int { return p.n }

// MinLen returns the minimum segment length
func (p *PowerLaw) MinLen() int { return p.minLen }

// Replicates returns R
func (p *PowerLaw) Replicates() int { return p.reps }

// Valid reports whether cell (s,e) holds a segment
func (p *PowerLaw) Valid(s, e int) bool {
	return s >= 0 && e < p.n && e-s+1 >= p.minLen
}

// Coefficients returns (U, log D) for segment s..e
func (p *PowerLaw) Coefficients(s, e int) (u, logD float64, ok bool) {
	if !p.Valid(s, e) {
		return 0, math.Inf(-1), false
	}
	return p.u.At(s, e), p.logD.At(s, e), true
}

// U returns the residual coefficient of segment s..e, zero for invalid cells
func (p *PowerLaw) U(s, e int) float64 {
	if !p.Valid(s, e) {
		return 0
	}
	return p.u.At(s, e)
}

// Points returns the flattened point count L of segment s..e
func (p *PowerLaw) Points(s, e int) int { return (e - s + 1) * p.reps }

// AtSigma materialises the log-evidence table at noise scale sigma
func (p *PowerLaw) AtSigma(sigma float64) *Table {
	logSigma := math.Log(sigma)
	inv2 := 1 / (sigma * sigma)
	t := &Table{n: p.n, minLen: p.minLen, logE: nanDense(p.n)}
	for s := 0; s < p.n; s++ {
		for e := s + p.minLen - 1; e < p.n; e++ {
			logD := p.logD.At(s, e)
			if math.IsInf(logD, -1) {
				t.logE.Set(s, e, logD)
				continue
			}
			l := float64(p.Points(s, e))
			t.logE.Set(s, e, logD+(2-l)*logSigma-p.u.At(s, e)*inv2)
		}
	}
	return t
}
