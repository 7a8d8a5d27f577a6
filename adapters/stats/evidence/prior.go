package evidence

import (
	"math"

	"github.com/montanaflynn/stats"

	"bayesseg/domain/segment"
	"bayesseg/internal/errors"
)

// PriorRequest describes what the caller supplied for the slope/intercept box
type PriorRequest struct {
	Raw    []float64   // nil, [mMin mMax] or [mMin mMax cMin cMax]
	YRange *[2]float64 // optional expected range of y
}

// ResolvePrior turns a PriorRequest into a full box. The second return value
// is true when the box had to be guessed from the data itself.
func ResolvePrior(x []float64, y [][]float64, req PriorRequest) (segment.Prior, bool, error) {
	switch len(req.Raw) {
	case 0, 2, 4:
	default:
		return segment.Prior{}, false, errors.Newf(errors.CodeConfigInvalid,
			"prior must have 2 or 4 entries, got %d", len(req.Raw))
	}

	if len(req.Raw) == 4 {
		p := segment.Prior{
			SlopeMin:     req.Raw[0],
			SlopeMax:     req.Raw[1],
			InterceptMin: req.Raw[2],
			InterceptMax: req.Raw[3],
		}
		if !p.Valid() {
			return segment.Prior{}, false, errors.ConfigInvalid("prior box must have positive finite widths")
		}
		return p, false, nil
	}

	guessed := false
	var yr [2]float64
	if req.YRange != nil {
		yr = *req.YRange
		if !(yr[1] > yr[0]) {
			return segment.Prior{}, false, errors.ConfigInvalid("y range must be increasing")
		}
	} else {
		lo, hi, err := dataRange(y)
		if err != nil {
			return segment.Prior{}, false, err
		}
		yr = [2]float64{lo, hi}
		guessed = len(req.Raw) == 0
	}

	xr := [2]float64{x[0], x[len(x)-1]}
	if !(xr[1] > xr[0]) {
		return segment.Prior{}, false, errors.ConfigInvalid("x must span a positive range")
	}

	var slope [2]float64
	if len(req.Raw) == 2 {
		slope = [2]float64{req.Raw[0], req.Raw[1]}
		if !(slope[1] > slope[0]) {
			return segment.Prior{}, false, errors.ConfigInvalid("slope prior must be increasing")
		}
	} else {
		g := (yr[1] - yr[0]) / (xr[1] - xr[0])
		slope = [2]float64{-g, g}
	}

	cMin, cMax := interceptBox(slope, xr, yr)
	p := segment.Prior{SlopeMin: slope[0], SlopeMax: slope[1], InterceptMin: cMin, InterceptMax: cMax}
	if !p.Valid() {
		return segment.Prior{}, false, errors.ConfigInvalid("derived prior box is degenerate")
	}
	return p, guessed, nil
}

// interceptBox returns the intercepts of every line with slope in the slope box
// that passes through the y range somewhere on the x range.
func interceptBox(slope, xr, yr [2]float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, m := range slope {
		for _, x := range xr {
			p := m * x
			lo = math.Min(lo, p)
			hi = math.Max(hi, p)
		}
	}
	return yr[0] - hi, yr[1] - lo
}

// dataRange returns min/max over all replicate rows, widened when the data is
// constant so the box keeps a positive width.
func dataRange(y [][]float64) (float64, float64, error) {
	var flat []float64
	for _, row := range y {
		flat = append(flat, row...)
	}
	lo, err := stats.Min(flat)
	if err != nil {
		return 0, 0, errors.Wrap(errors.WithCode(errors.CodeValidationError, err), "y range")
	}
	hi, err := stats.Max(flat)
	if err != nil {
		return 0, 0, errors.Wrap(errors.WithCode(errors.CodeValidationError, err), "y range")
	}
	if hi <= lo {
		span := math.Max(math.Abs(lo), 1)
		lo -= span / 2
		hi += span / 2
	}
	return lo, hi, nil
}
