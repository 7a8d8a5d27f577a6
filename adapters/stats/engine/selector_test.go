package engine

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"bayesseg/domain/segment"
	"bayesseg/internal/diagnostics"
	"bayesseg/internal/errors"
	"bayesseg/internal/testkit"
)

func constErr(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSelector_KinkedSeriesUnknownError(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())

	sel, err := NewSingle(s.X, s.Row(), Options{MinLen: 3})
	require.NoError(t, err)
	assert.Equal(t, segment.ErrorUnknown, sel.ErrorMode())
	assert.True(t, hasWarning(sel, diagnostics.KindWeakPrior))

	best, curve, err := sel.Number(3)
	require.NoError(t, err)
	require.Len(t, curve, 3)
	assert.Equal(t, 2, best)
	assert.Greater(t, curve[1], curve[0])
	assert.Greater(t, curve[1], curve[2])

	bounds, err := sel.Boundaries(2, DefaultBoundaryOptions())
	require.NoError(t, err)
	require.Len(t, bounds.Positions, 1)
	assert.InDelta(t, 24.5, bounds.Positions[0], 2)
	require.Len(t, bounds.StdDev, 1)
	assert.Less(t, bounds.StdDev[0], 2.0)

	infos, err := sel.Info([]int{25})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.InDelta(t, 2.0, infos[0].Gradient, 0.05)
	assert.InDelta(t, -1.0, infos[1].Gradient, 0.05)
	assert.Equal(t, 0, infos[0].Start)
	assert.Equal(t, 25, infos[0].End)
	assert.Equal(t, 26, infos[1].Start)
	assert.Equal(t, 49, infos[1].End)
	assert.Equal(t, [2]float64{0, 25}, infos[0].XRange)
	assert.InDelta(t, infos[0].Gradient*25, infos[0].DeltaY, 1e-12)
	assert.Greater(t, infos[0].RSquare, 0.99)
}

func TestSelector_TwoSegmentRecoveryKnownError(t *testing.T) {
	cfg := testkit.DefaultSeriesConfig()
	cfg.N = 100
	cfg.Breaks = []int{50}
	cfg.Slopes = []float64{1, -1}
	cfg.Noise = 1 // 0.02 of the y range
	cfg.Seed = 7
	s := testkit.PiecewiseSeries(cfg)

	sel, err := NewSingle(s.X, s.Row(), Options{Err: constErr(cfg.N, cfg.Noise), YRange: &[2]float64{0, 50}})
	require.NoError(t, err)
	assert.Equal(t, segment.ErrorKnown, sel.ErrorMode())
	assert.False(t, hasWarning(sel, diagnostics.KindWeakPrior))

	best, _, err := sel.Number(4)
	require.NoError(t, err)
	assert.Equal(t, 2, best)

	bounds, err := sel.Boundaries(2, BoundaryOptions{Round: true})
	require.NoError(t, err)
	assert.InDelta(t, 50, bounds.Positions[0], 3)
	assert.Nil(t, bounds.StdDev)
	assert.True(t, bounds.Rounded)
}

func TestSelector_StraightLinePrefersOneSegment(t *testing.T) {
	ones := 0
	for seed := uint64(1); seed <= 20; seed++ {
		cfg := testkit.DefaultSeriesConfig()
		cfg.N = 30
		cfg.Breaks = nil
		cfg.Slopes = []float64{1}
		cfg.Noise = 0.05 * 29
		cfg.Seed = seed
		s := testkit.PiecewiseSeries(cfg)

		sel, err := NewSingle(s.X, s.Row(), Options{Err: constErr(cfg.N, cfg.Noise)})
		require.NoError(t, err)
		best, _, err := sel.Number(4)
		require.NoError(t, err)
		if best == 1 {
			ones++
		}
	}
	assert.GreaterOrEqual(t, ones, 19)
}

func TestSelector_BoundaryMomentsMatchEnumeration(t *testing.T) {
	cfg := testkit.DefaultSeriesConfig()
	cfg.N = 24
	cfg.Breaks = []int{12}
	cfg.Noise = 2
	s := testkit.PiecewiseSeries(cfg)

	sel, err := NewSingle(s.X, s.Row(), Options{Err: constErr(cfg.N, 2)})
	require.NoError(t, err)
	_, _, err = sel.Number(2)
	require.NoError(t, err)

	got, err := sel.Boundaries(2, BoundaryOptions{WithError: true})
	require.NoError(t, err)

	n := sel.Sample().N()
	logW := make([]float64, 0, n)
	pos := make([]float64, 0, n)
	shift := math.Inf(-1)
	for i := 0; i < n-1; i++ {
		a, okA := sel.known.LogAt(0, i)
		b, okB := sel.known.LogAt(i+1, n-1)
		if !okA || !okB {
			continue
		}
		logW = append(logW, a+b)
		pos = append(pos, float64(i))
		shift = math.Max(shift, a+b)
	}
	var z, m1, m2 float64
	for k, lw := range logW {
		w := math.Exp(lw - shift)
		z += w
		m1 += w * pos[k]
		m2 += w * pos[k] * pos[k]
	}
	mean := m1 / z
	sd := math.Sqrt(m2/z - mean*mean)

	assert.InEpsilon(t, mean, got.Positions[0], 1e-6)
	assert.InDelta(t, sd, got.StdDev[0], 1e-5)
	assert.False(t, got.Rounded)
}

func TestSelector_RepeatedCallsAreIdentical(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())
	sel, err := NewSingle(s.X, s.Row(), Options{})
	require.NoError(t, err)

	best1, curve1, err := sel.Number(5)
	require.NoError(t, err)
	best2, curve2, err := sel.Number(5)
	require.NoError(t, err)
	assert.Equal(t, best1, best2)
	assert.Equal(t, curve1, curve2)

	// a fresh selector on the same data reproduces the curve bit for bit
	other, err := NewSingle(s.X, s.Row(), Options{Workers: 1})
	require.NoError(t, err)
	_, curve3, err := other.Number(5)
	require.NoError(t, err)
	if diff := cmp.Diff(curve1, curve3); diff != "" {
		t.Errorf("curve differs between selectors (-first +second):\n%s", diff)
	}
	assert.NotEqual(t, sel.ID(), other.ID())

	b1, err := sel.Boundaries(3, DefaultBoundaryOptions())
	require.NoError(t, err)
	b2, err := other.Boundaries(3, DefaultBoundaryOptions())
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(b1, b2))
}

func TestSelector_NumericIntegrationPath(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())

	for _, method := range []segment.IntegrationMethod{segment.IntegrationSimpson, segment.IntegrationQuad} {
		sel, err := NewSingle(s.X, s.Row(), Options{Integration: method})
		require.NoError(t, err)

		best, curve, err := sel.Number(5)
		require.NoError(t, err, method.String())
		assert.Equal(t, 2, best, method.String())
		for m := 4; m <= 5; m++ {
			assert.False(t, math.IsInf(curve[m-1], 0), "%s M=%d", method, m)
			assert.Less(t, curve[m-1], curve[1], "%s M=%d", method, m)
		}

		_, err = sel.Boundaries(4, DefaultBoundaryOptions())
		assert.NoError(t, err)
	}
}

func TestSelector_MinLenIsRaisedToThree(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())
	core, logs := observer.New(zap.WarnLevel)

	sel, err := NewSingle(s.X, s.Row(), Options{MinLen: 1, Logger: zap.New(core)})
	require.NoError(t, err)
	assert.Equal(t, 3, sel.MinLen())
	assert.True(t, hasWarning(sel, diagnostics.KindMinLenClamped))
	assert.Equal(t, 1, logs.FilterField(zap.String("kind", string(diagnostics.KindMinLenClamped))).Len())

	for e := 0; e < 2; e++ {
		_, _, ok := sel.powers.Coefficients(0, e)
		assert.False(t, ok)
	}
}

func TestSelector_OverflowingSegmentsCarryNoEvidence(t *testing.T) {
	x := make([]float64, 16)
	y := make([]float64, 16)
	for i := range x {
		x[i] = float64(i)
		y[i] = float64(i)
	}
	y[8] = 1e140

	for _, opts := range []Options{
		{Err: constErr(16, 1), Prior: []float64{-1, 1, -10, 10}},
		{Prior: []float64{-1, 1, -10, 10}},
	} {
		sel, err := NewSingle(x, y, opts)
		require.NoError(t, err)

		// every split puts the spike inside some segment
		best, curve, err := sel.Number(3)
		require.NoError(t, err, sel.ErrorMode().String())
		assert.Equal(t, 1, best)
		for m, v := range curve {
			assert.True(t, math.IsInf(v, -1), "%s M=%d: %g", sel.ErrorMode(), m+1, v)
		}
		assert.True(t, hasWarning(sel, diagnostics.KindLowEvidence))

		_, err = sel.Boundaries(2, DefaultBoundaryOptions())
		assert.ErrorIs(t, err, errors.ErrValidation)
	}
}

func TestSelector_ConfigurationErrors(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())
	x, y := s.X, s.Row()

	_, err := New(x, [][]float64{y, y}, Options{Err: constErr(len(x), 1)})
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	_, err = NewSingle(x, y, Options{Prior: []float64{-1, 1, 0}})
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	_, err = NewSingle(x, y[:10], Options{})
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	_, err = NewSingle(x, y, Options{MinLen: 51})
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	_, err = NewSingle(x, y, Options{MinLen: -2})
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	_, err = NewSingle(x, y, Options{Integration: segment.IntegrationMethod(9)})
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	bad := append([]float64(nil), y...)
	bad[3] = math.NaN()
	_, err = NewSingle(x, bad, Options{})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestSelector_BoundariesBeforeNumber(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())
	sel, err := NewSingle(s.X, s.Row(), Options{})
	require.NoError(t, err)

	_, err = sel.Boundaries(2, DefaultBoundaryOptions())
	assert.ErrorIs(t, err, errors.ErrPrecondition)

	_, _, err = sel.Number(2)
	require.NoError(t, err)
	_, err = sel.Boundaries(3, DefaultBoundaryOptions())
	assert.ErrorIs(t, err, errors.ErrPrecondition)

	one, err := sel.Boundaries(1, DefaultBoundaryOptions())
	require.NoError(t, err)
	assert.Empty(t, one.Positions)
}

func TestSelector_MLEOfError(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())
	sel, err := NewSingle(s.X, s.Row(), Options{})
	require.NoError(t, err)

	sigma, err := sel.MLEOfError(2)
	require.NoError(t, err)
	assert.Greater(t, sigma, 0.0)
	assert.False(t, math.IsInf(sigma, 0))

	_, err = sel.MLEOfError(40)
	assert.ErrorIs(t, err, errors.ErrValidation)

	known, err := NewSingle(s.X, s.Row(), Options{Err: constErr(50, 0.1)})
	require.NoError(t, err)
	_, err = known.MLEOfError(2)
	assert.ErrorIs(t, err, errors.ErrErrorKnown)
}

func TestSelector_ConstantDataOverflowsButStaysUsable(t *testing.T) {
	x := make([]float64, 12)
	y := make([]float64, 12)
	for i := range x {
		x[i] = float64(i)
		y[i] = 3
	}
	sel, err := NewSingle(x, y, Options{})
	require.NoError(t, err)

	_, _, err = sel.Number(2)
	assert.ErrorIs(t, err, errors.ErrNumericalOverflow)

	sigma, err := sel.MLEOfError(1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sigma)
	assert.True(t, hasWarning(sel, diagnostics.KindEMNotConverged))
}

func TestSelector_ReplicatesEstimateError(t *testing.T) {
	cfg := testkit.DefaultSeriesConfig()
	cfg.Replicates = 8
	s := testkit.PiecewiseSeries(cfg)

	sel, err := New(s.X, s.Y, Options{})
	require.NoError(t, err)
	assert.Equal(t, segment.ErrorEstimated, sel.ErrorMode())
	errVec := sel.ErrorVector()
	require.Len(t, errVec, 50)
	for _, e := range errVec {
		assert.Greater(t, e, 0.0)
	}

	_, curve, err := sel.Number(3)
	require.NoError(t, err)
	assert.Greater(t, curve[1], curve[0])

	// estimation can be switched off
	unknown, err := New(s.X, s.Y, Options{EstimateErr: Bool(false)})
	require.NoError(t, err)
	assert.Equal(t, segment.ErrorUnknown, unknown.ErrorMode())
	assert.Nil(t, unknown.ErrorVector())

	// too few replicates falls back with a warning
	two, err := New(s.X, s.Y[:2], Options{EstimateErr: Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, segment.ErrorUnknown, two.ErrorMode())
	assert.True(t, hasWarning(two, diagnostics.KindReplicateError))
}

func TestSelector_RangeWarning(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())
	sel, err := NewSingle(s.X, s.Row(), Options{})
	require.NoError(t, err)

	best, _, err := sel.Number(2)
	require.NoError(t, err)
	assert.Equal(t, 2, best)
	assert.True(t, hasWarning(sel, diagnostics.KindRangeTooNarrow))
}

func TestSelector_InfoValidation(t *testing.T) {
	s := testkit.PiecewiseSeries(testkit.DefaultSeriesConfig())
	sel, err := NewSingle(s.X, s.Row(), Options{})
	require.NoError(t, err)

	for _, b := range [][]int{{25, 20}, {0}, {48}, {10, 11}} {
		_, err := sel.Info(b)
		assert.ErrorIs(t, err, errors.ErrValidation, "%v", b)
	}

	all, err := sel.Info(nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 50, all[0].Len())
	assert.Equal(t, [2]float64{0, 49}, all[0].XRange)
}

func hasWarning(sel *Selector, kind diagnostics.Kind) bool {
	for _, w := range sel.Warnings() {
		if w.Kind == kind {
			return true
		}
	}
	return false
}
