package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"bayesseg/internal/errors"
)

// Config represents the engine configuration
type Config struct {
	Engine  EngineConfig
	EM      EMConfig
	Logging LoggingConfig
}

// EngineConfig holds segmentation defaults
type EngineConfig struct {
	MinLen         int
	Integration    string // "simpson" or "quad"
	Workers        int
	SimpsonPoints  int
	QuadMaxNodes   int
	EvidenceCutoff float64
}

// EMConfig holds noise-scale estimation settings
type EMConfig struct {
	MaxIter   int
	Tolerance float64
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MinLen:         3,
			Integration:    "simpson",
			Workers:        runtime.GOMAXPROCS(0),
			SimpsonPoints:  101,
			QuadMaxNodes:   1024,
			EvidenceCutoff: 1e250,
		},
		EM: EMConfig{
			MaxIter:   100,
			Tolerance: 1e-5,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	def := Default()
	config := &Config{
		Engine: EngineConfig{
			MinLen:         getEnvIntOrDefault("SEGMENT_MINLEN", def.Engine.MinLen),
			Integration:    strings.ToLower(getEnvOrDefault("SEGMENT_INTEGRATION", def.Engine.Integration)),
			Workers:        getEnvIntOrDefault("SEGMENT_WORKERS", def.Engine.Workers),
			SimpsonPoints:  getEnvIntOrDefault("SEGMENT_SIMPSON_POINTS", def.Engine.SimpsonPoints),
			QuadMaxNodes:   getEnvIntOrDefault("SEGMENT_QUAD_MAX_NODES", def.Engine.QuadMaxNodes),
			EvidenceCutoff: getEnvFloatOrDefault("SEGMENT_EVIDENCE_CUTOFF", def.Engine.EvidenceCutoff),
		},
		EM: EMConfig{
			MaxIter:   getEnvIntOrDefault("SEGMENT_EM_MAX_ITER", def.EM.MaxIter),
			Tolerance: getEnvFloatOrDefault("SEGMENT_EM_TOL", def.EM.Tolerance),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(getEnvOrDefault("SEGMENT_LOG_LEVEL", def.Logging.Level)),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

// LoadFiles loads .env files into the environment, then calls Load.
// Variables already set in the environment take precedence.
func LoadFiles(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, errors.Wrap(errors.WithCode(errors.CodeConfigInvalid, err), "failed to load env files")
		}
	}
	return Load()
}

func validateConfig(config *Config) error {
	if config.Engine.Integration != "simpson" && config.Engine.Integration != "quad" {
		return errors.ConfigInvalid("SEGMENT_INTEGRATION must be simpson or quad")
	}
	if config.Engine.Workers < 1 {
		return errors.ConfigInvalid("SEGMENT_WORKERS must be at least 1")
	}
	if config.Engine.SimpsonPoints < 3 || config.Engine.SimpsonPoints%2 == 0 {
		return errors.ConfigInvalid("SEGMENT_SIMPSON_POINTS must be odd and at least 3")
	}
	if config.Engine.QuadMaxNodes < 16 {
		return errors.ConfigInvalid("SEGMENT_QUAD_MAX_NODES must be at least 16")
	}
	if config.EM.MaxIter < 1 {
		return errors.ConfigInvalid("SEGMENT_EM_MAX_ITER must be positive")
	}
	if config.EM.Tolerance <= 0 {
		return errors.ConfigInvalid("SEGMENT_EM_TOL must be positive")
	}
	if config.Engine.EvidenceCutoff <= 0 {
		return errors.ConfigInvalid("SEGMENT_EVIDENCE_CUTOFF must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
