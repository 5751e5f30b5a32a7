// Package logging builds the process-wide zap logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the worker logger. JSON production output by default;
// DEBUG=true switches to debug level, LOG_FORMAT=console to console encoding.
func New(version string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1" {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if os.Getenv("LOG_FORMAT") == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("version", version)), nil
}

// NewNop returns a no-op logger for tests.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
