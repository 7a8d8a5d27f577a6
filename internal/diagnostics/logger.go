package diagnostics

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bayesseg/internal/errors"
)

// ParseLevel maps a SEGMENT_LOG_LEVEL value to a zap level. TRACE is accepted
// and treated as debug.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "ERROR":
		return zapcore.ErrorLevel, nil
	case "WARN", "WARNING", "":
		return zapcore.WarnLevel, nil
	case "INFO":
		return zapcore.InfoLevel, nil
	case "DEBUG", "TRACE":
		return zapcore.DebugLevel, nil
	}
	return zapcore.WarnLevel, errors.Newf(errors.CodeConfigInvalid, "unknown log level %q", level)
}

// NewLogger builds a production zap logger at the given level
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
