package testkit

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// SeriesConfig configures a continuous piecewise-linear series with Gaussian noise
type SeriesConfig struct {
	N          int       `json:"n"`
	Replicates int       `json:"replicates"`
	XStart     float64   `json:"x_start"`
	XStep      float64   `json:"x_step"`
	Breaks     []int     `json:"breaks"` // index at which each new segment starts
	Slopes     []float64 `json:"slopes"` // one per segment, len(Breaks)+1
	Intercept  float64   `json:"intercept"`
	Noise      float64   `json:"noise"` // standard deviation
	Seed       uint64    `json:"seed"`
}

// DefaultSeriesConfig is the 50-point series with one slope change at index 25
func DefaultSeriesConfig() SeriesConfig {
	return SeriesConfig{
		N:          50,
		Replicates: 1,
		XStart:     0,
		XStep:      1,
		Breaks:     []int{25},
		Slopes:     []float64{2, -1},
		Intercept:  0,
		Noise:      0.1,
		Seed:       42,
	}
}

// Series is a generated sample plus its noise-free trend
type Series struct {
	X     []float64
	Y     [][]float64
	Trend []float64
}

// Row returns the first replicate row
func (s Series) Row() []float64 { return s.Y[0] }

// SeriesGenerator produces reproducible synthetic series
type SeriesGenerator struct {
	config SeriesConfig
	noise  distuv.Normal
}

// NewSeriesGenerator validates the config and seeds the generator
func NewSeriesGenerator(config SeriesConfig) (*SeriesGenerator, error) {
	if config.N < 2 {
		return nil, fmt.Errorf("series needs at least 2 points, got %d", config.N)
	}
	if config.Replicates < 1 {
		config.Replicates = 1
	}
	if config.XStep <= 0 {
		return nil, fmt.Errorf("x step must be positive, got %g", config.XStep)
	}
	if len(config.Slopes) != len(config.Breaks)+1 {
		return nil, fmt.Errorf("need %d slopes for %d breaks, got %d",
			len(config.Breaks)+1, len(config.Breaks), len(config.Slopes))
	}
	prev := 0
	for _, b := range config.Breaks {
		if b <= prev || b >= config.N {
			return nil, fmt.Errorf("breaks must be increasing inside (0,%d): %v", config.N, config.Breaks)
		}
		prev = b
	}
	if config.Noise < 0 {
		return nil, fmt.Errorf("noise must be non-negative, got %g", config.Noise)
	}
	return &SeriesGenerator{
		config: config,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: config.Noise,
			Src:   rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15),
		},
	}, nil
}

// Generate draws one series. Successive calls continue the same random stream.
func (g *SeriesGenerator) Generate() Series {
	c := g.config
	x := make([]float64, c.N)
	trend := make([]float64, c.N)

	seg := 0
	y := c.Intercept
	for i := 0; i < c.N; i++ {
		x[i] = c.XStart + float64(i)*c.XStep
		if i > 0 {
			// the step from i-1 to i belongs to the segment that contains i-1
			y += c.Slopes[seg] * c.XStep
		}
		if seg < len(c.Breaks) && i == c.Breaks[seg] {
			seg++
		}
		trend[i] = y
	}

	rows := make([][]float64, c.Replicates)
	for r := range rows {
		row := make([]float64, c.N)
		for i := range row {
			row[i] = trend[i] + g.noise.Rand()
		}
		rows[r] = row
	}
	return Series{X: x, Y: rows, Trend: trend}
}

// PiecewiseSeries is a convenience wrapper that panics on an invalid config.
// Intended for tests and demos.
func PiecewiseSeries(config SeriesConfig) Series {
	gen, err := NewSeriesGenerator(config)
	if err != nil {
		panic(err)
	}
	return gen.Generate()
}
