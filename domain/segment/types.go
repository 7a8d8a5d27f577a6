package segment

import (
	"math"
)

// ============================================================================
// INPUT
// ============================================================================

// Sample is an ordered 1-D series with one or more replicate rows.
// INVARIANTS (caller responsibility):
// - X is strictly increasing
// - every row of Y has len(X) entries
type Sample struct {
	X []float64   `json:"x"`
	Y [][]float64 `json:"y"`
}

// N returns the number of points per row
func (s Sample) N() int { return len(s.X) }

// R returns the number of replicate rows
func (s Sample) R() int { return len(s.Y) }

// ErrorMode describes how per-point measurement error is obtained
type ErrorMode int

const (
	// ErrorKnown means a per-point error vector was supplied
	ErrorKnown ErrorMode = iota
	// ErrorEstimated means per-point error was estimated from >= 3 replicates
	ErrorEstimated
	// ErrorUnknown means a single noise scale is inferred per candidate model
	ErrorUnknown
)

func (m ErrorMode) String() string {
	switch m {
	case ErrorKnown:
		return "known"
	case ErrorEstimated:
		return "estimated"
	case ErrorUnknown:
		return "unknown"
	}
	return "invalid"
}

// HasFixedError reports whether per-point errors are available
func (m ErrorMode) HasFixedError() bool {
	return m == ErrorKnown || m == ErrorEstimated
}

// Prior is the uniform box over slope and intercept of one segment
type Prior struct {
	SlopeMin     float64 `json:"slope_min"`
	SlopeMax     float64 `json:"slope_max"`
	InterceptMin float64 `json:"intercept_min"`
	InterceptMax float64 `json:"intercept_max"`
}

// LogVolume returns log((slopeMax-slopeMin)*(interceptMax-interceptMin))
func (p Prior) LogVolume() float64 {
	return math.Log(p.SlopeMax-p.SlopeMin) + math.Log(p.InterceptMax-p.InterceptMin)
}

// Valid reports whether both intervals have positive finite width
func (p Prior) Valid() bool {
	dm := p.SlopeMax - p.SlopeMin
	dc := p.InterceptMax - p.InterceptMin
	return dm > 0 && dc > 0 && !math.IsInf(dm, 0) && !math.IsInf(dc, 0)
}

// IntegrationMethod selects how the noise scale is integrated out
type IntegrationMethod int

const (
	// IntegrationSimpson uses Simpson's rule on two log-spaced grids around the MLE
	IntegrationSimpson IntegrationMethod = iota
	// IntegrationQuad uses refined Gauss-Legendre quadrature on a bracketed window
	IntegrationQuad
)

func (m IntegrationMethod) String() string {
	if m == IntegrationQuad {
		return "quad"
	}
	return "simpson"
}

// ParseIntegrationMethod maps "simpson"/"quad" to the enum
func ParseIntegrationMethod(s string) (IntegrationMethod, bool) {
	switch s {
	case "simpson", "":
		return IntegrationSimpson, true
	case "quad":
		return IntegrationQuad, true
	}
	return IntegrationSimpson, false
}

// ============================================================================
// OUTPUT
// ============================================================================

// EvidenceCurve holds log10 evidence for M = 1..len(Log10)
type EvidenceCurve struct {
	Best  int       `json:"best"`
	Log10 []float64 `json:"log10_evidence"`
}

// At returns the log10 evidence of model m (1-based)
func (c EvidenceCurve) At(m int) float64 {
	if m < 1 || m > len(c.Log10) {
		return math.Inf(-1)
	}
	return c.Log10[m-1]
}

// BoundaryResult holds the internal boundaries of one candidate model.
// Boundary k is the index of the last point of segment k.
type BoundaryResult struct {
	NumSegments int       `json:"num_segments"`
	Positions   []float64 `json:"positions"`
	StdDev      []float64 `json:"std_dev,omitempty"`
	Rounded     bool      `json:"rounded"`
}

// Indices returns the positions rounded to the nearest index
func (b BoundaryResult) Indices() []int {
	out := make([]int, len(b.Positions))
	for i, p := range b.Positions {
		out[i] = int(math.Round(p))
	}
	return out
}

// SegmentInfo summarises the affine fit of one segment.
// Start and End are inclusive point indices.
type SegmentInfo struct {
	Start     int        `json:"start"`
	End       int        `json:"end"`
	Gradient  float64    `json:"gradient"`
	Intercept float64    `json:"intercept"`
	RSquare   float64    `json:"rsquare"`
	XRange    [2]float64 `json:"x_range"`
	YRange    [2]float64 `json:"y_range"`
	DeltaX    float64    `json:"delta_x"`
	DeltaY    float64    `json:"delta_y"`
}

// Len returns the number of points covered by the segment
func (s SegmentInfo) Len() int { return s.End - s.Start + 1 }
