// Package diagnostics carries non-fatal advisories (accuracy warnings and
// similar) out of the numerical code. Every warning is both logged through zap
// and recorded so callers can inspect it after a call returns.
package diagnostics

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Kind classifies a warning
type Kind string

// Warning kinds recorded by the selector and its numerical stages
const (
	KindRangeTooNarrow   Kind = "range_too_narrow"
	KindIntegralAccuracy Kind = "integral_accuracy"
	KindBoundaryRange    Kind = "boundary_range"
	KindEMNotConverged   Kind = "em_not_converged"
	KindLowEvidence      Kind = "low_evidence"
	KindMinLenClamped    Kind = "minlen_clamped"
	KindWeakPrior        Kind = "weak_prior"
	KindReplicateError   Kind = "replicate_error"
)

// Warning is a single advisory message
type Warning struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s", w.Kind, w.Message)
}

// Sink records warnings and forwards them to a zap logger
type Sink struct {
	mu       sync.Mutex
	logger   *zap.Logger
	warnings []Warning
}

// NewSink creates a sink; a nil logger is replaced by a no-op logger
func NewSink(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger}
}

// Warn records a warning and logs it with optional structured fields
func (s *Sink) Warn(kind Kind, msg string, fields ...zap.Field) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.warnings = append(s.warnings, Warning{Kind: kind, Message: msg})
	s.mu.Unlock()

	s.logger.Warn(msg, append([]zap.Field{zap.String("kind", string(kind))}, fields...)...)
}

// Warnf is Warn with a formatted message
func (s *Sink) Warnf(kind Kind, format string, args ...interface{}) {
	s.Warn(kind, fmt.Sprintf(format, args...))
}

// Warnings returns a copy of everything recorded so far
func (s *Sink) Warnings() []Warning {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Warning, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// Has reports whether a warning of the given kind was recorded
func (s *Sink) Has(kind Kind) bool {
	for _, w := range s.Warnings() {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

// Logger exposes the underlying logger for debug output
func (s *Sink) Logger() *zap.Logger {
	if s == nil {
		return zap.NewNop()
	}
	return s.logger
}
