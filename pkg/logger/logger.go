package logger

import (
	"fmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"os"
	"strings"
)

// EnvLevel is read when no level is given explicitly.
const EnvLevel = "PINGMUX_LOG_LEVEL"

// New builds a logger for level. "development" gives zap's development
// config; any zap level name ("debug", "info", ...) gives the production
// config at that level. An empty level falls back to $PINGMUX_LOG_LEVEL,
// then to "warn" so that ping output is not drowned.
func New(level string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	switch strings.ToLower(level) {
	case "development":
		return zap.NewDevelopment()
	case "", "production":
		level = "warn"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
