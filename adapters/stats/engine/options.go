package engine

import (
	"go.uber.org/zap"

	"bayesseg/domain/segment"
	"bayesseg/internal/config"
)

// Options configures a Selector. The zero value is usable: zero fields fall
// back to config.Default.
type Options struct {
	// Err is a per-point error vector; only allowed with a single y row
	Err []float64
	// Prior is [mMin mMax] or [mMin mMax cMin cMax]
	Prior []float64
	// YRange is the expected range of y, used to derive the prior box
	YRange *[2]float64
	// EstimateErr controls estimation of per-point error from >= 3 replicates.
	// nil means "estimate when possible".
	EstimateErr *bool
	// MinLen is the minimum number of points per segment; values below 3 are
	// raised to 3
	MinLen      int
	Integration segment.IntegrationMethod

	Workers       int
	EMMaxIter     int
	EMTolerance   float64
	SimpsonPoints int
	QuadMaxNodes  int
	Cutoff        float64

	Logger *zap.Logger
}

// OptionsFromConfig fills the numerical settings from a loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	method, _ := segment.ParseIntegrationMethod(cfg.Engine.Integration)
	return Options{
		MinLen:        cfg.Engine.MinLen,
		Integration:   method,
		Workers:       cfg.Engine.Workers,
		EMMaxIter:     cfg.EM.MaxIter,
		EMTolerance:   cfg.EM.Tolerance,
		SimpsonPoints: cfg.Engine.SimpsonPoints,
		QuadMaxNodes:  cfg.Engine.QuadMaxNodes,
		Cutoff:        cfg.Engine.EvidenceCutoff,
	}
}

// withDefaults replaces unset numerical fields; MinLen is left alone so the
// caller can tell "unset" from "too small"
func (o Options) withDefaults() Options {
	def := OptionsFromConfig(config.Default())
	if o.Workers < 1 {
		o.Workers = def.Workers
	}
	if o.EMMaxIter < 1 {
		o.EMMaxIter = def.EMMaxIter
	}
	if o.EMTolerance <= 0 {
		o.EMTolerance = def.EMTolerance
	}
	if o.SimpsonPoints < 3 {
		o.SimpsonPoints = def.SimpsonPoints
	}
	if o.QuadMaxNodes < 16 {
		o.QuadMaxNodes = def.QuadMaxNodes
	}
	if o.Cutoff <= 0 {
		o.Cutoff = def.Cutoff
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// BoundaryOptions controls Selector.Boundaries
type BoundaryOptions struct {
	Round     bool // round means to the nearest index
	WithError bool // also compute the posterior standard deviation
}

// DefaultBoundaryOptions rounds and computes standard deviations
func DefaultBoundaryOptions() BoundaryOptions {
	return BoundaryOptions{Round: true, WithError: true}
}

// Bool is a helper for optional boolean options
func Bool(v bool) *bool { return &v }
