package recursion

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grid is a dense log-evidence table with a minimum segment length
type grid struct {
	n, minLen int
	v         [][]float64
}

func (g *grid) Size() int { return g.n }

func (g *grid) LogAt(s, e int) (float64, bool) {
	if s < 0 || e >= g.n || e-s+1 < g.minLen {
		return math.Inf(-1), false
	}
	return g.v[s][e], true
}

func (g *grid) lin(s, e int) float64 {
	v, ok := g.LogAt(s, e)
	if !ok {
		return 0
	}
	return math.Exp(v)
}

func randomGrid(n, minLen int, seed uint64) *grid {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	g := &grid{n: n, minLen: minLen, v: make([][]float64, n)}
	for s := range g.v {
		g.v[s] = make([]float64, n)
		for e := range g.v[s] {
			if e-s+1 >= minLen {
				g.v[s][e] = rng.NormFloat64()
			} else {
				g.v[s][e] = math.NaN()
			}
		}
	}
	return g
}

func TestLogZ_SingleSegmentIsCorner(t *testing.T) {
	g := randomGrid(12, 3, 1)
	assert.Equal(t, g.v[0][11], LogZ(g, 1))
	assert.Equal(t, LogZ(g, 1), NewTables(g, 1).LogZ())
}

func TestLogZ_MatchesBruteForceTwoSegments(t *testing.T) {
	const n, minLen = 15, 3
	g := randomGrid(n, minLen, 7)

	var z float64
	for i := 0; i < n-1; i++ {
		if i+1 >= minLen && n-1-i >= minLen {
			z += g.lin(0, i) * g.lin(i+1, n-1)
		}
	}

	got := math.Exp(LogZ(g, 2))
	assert.InEpsilon(t, z, got, 1e-6)
	assert.InEpsilon(t, z, math.Exp(NewTables(g, 2).LogZ()), 1e-6)
}

func TestLogZ_MatchesBruteForceThreeSegments(t *testing.T) {
	const n, minLen = 15, 3
	g := randomGrid(n, minLen, 11)

	var z float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n-1; j++ {
			z += g.lin(0, i) * g.lin(i+1, j) * g.lin(j+1, n-1)
		}
	}

	assert.InEpsilon(t, z, math.Exp(LogZ(g, 3)), 1e-6)

	tables := NewTables(g, 3)
	// forward and backward sweeps must agree on the total
	assert.InEpsilon(t, z, math.Exp(tables.fwd[3][n]), 1e-6)
}

func TestLogZ_InfeasibleCountIsNegInf(t *testing.T) {
	g := randomGrid(8, 3, 3)
	assert.True(t, math.IsInf(LogZ(g, 3), -1))
	assert.True(t, math.IsInf(LogZ(g, 0), -1))
}

func TestBoundaryMoments_MatchBruteForce(t *testing.T) {
	const n, minLen = 15, 3
	g := randomGrid(n, minLen, 23)

	var z, m1, m2 float64
	for i := 0; i < n-1; i++ {
		w := g.lin(0, i) * g.lin(i+1, n-1)
		z += w
		m1 += float64(i) * w
		m2 += float64(i*i) * w
	}
	wantMean := m1 / z
	wantVar := m2/z - wantMean*wantMean

	mean, variance := NewTables(g, 2).BoundaryMoments(true)
	require.Len(t, mean, 1)
	assert.InEpsilon(t, wantMean, mean[0], 1e-6)
	assert.InEpsilon(t, wantVar, variance[0], 1e-6)

	assert.InEpsilon(t, m1, math.Exp(LogMoment(g, 2, 1, 1)), 1e-6)
}

func TestBoundaryMoments_ThreeSegments(t *testing.T) {
	const n, minLen = 14, 3
	g := randomGrid(n, minLen, 5)

	var z, first, second float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n-1; j++ {
			w := g.lin(0, i) * g.lin(i+1, j) * g.lin(j+1, n-1)
			z += w
			first += float64(i) * w
			second += float64(j) * w
		}
	}

	mean, variance := NewTables(g, 3).BoundaryMoments(false)
	assert.Nil(t, variance)
	require.Len(t, mean, 2)
	assert.InEpsilon(t, first/z, mean[0], 1e-6)
	assert.InEpsilon(t, second/z, mean[1], 1e-6)
	assert.Less(t, mean[0], mean[1])
}

func TestExpectedSegmentSum_MatchesBruteForce(t *testing.T) {
	const n, minLen = 13, 3
	g := randomGrid(n, minLen, 17)
	w := func(s, e int) float64 { return float64(e-s+1) + 0.5*float64(s) }

	var z, ew float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n-1; j++ {
			p := g.lin(0, i) * g.lin(i+1, j) * g.lin(j+1, n-1)
			z += p
			ew += p * (w(0, i) + w(i+1, j) + w(j+1, n-1))
		}
	}

	got := NewTables(g, 3).ExpectedSegmentSum(w)
	assert.InEpsilon(t, ew/z, got, 1e-6)
}

func TestLogCount_MatchesAllOnesContraction(t *testing.T) {
	const n, minLen = 20, 3
	ones := &grid{n: n, minLen: minLen, v: make([][]float64, n)}
	for s := range ones.v {
		ones.v[s] = make([]float64, n)
	}

	for m := 1; m <= 6; m++ {
		want := LogZ(ones, m)
		assert.InDelta(t, want, LogCount(n, minLen, m), 1e-9, "m=%d", m)
	}
	assert.True(t, math.IsInf(LogCount(n, minLen, 7), -1))
}

func TestLogZ_LargeMagnitudesStayFinite(t *testing.T) {
	g := randomGrid(30, 3, 9)
	for s := range g.v {
		for e := range g.v[s] {
			g.v[s][e] += 5000 * float64(e-s+1)
		}
	}
	z := LogZ(g, 4)
	assert.False(t, math.IsInf(z, 0))
	assert.False(t, math.IsNaN(z))
	// every split covers all 30 points, so the shift adds exactly 5000·30
	base := randomGrid(30, 3, 9)
	assert.InDelta(t, LogZ(base, 4)+5000*30, z, 1e-6)
}
