// Package logging builds the zap loggers used across the crawl
// coordination service.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// serviceName labels every log line so aggregated output from the API,
// orchestrator, and health runner can be traced back to this binary.
const serviceName = "crawlward"

// New builds the service logger. Development mode switches to the
// console encoder with colored levels; production emits JSON with
// stacktraces enabled for error-level records.
func New(development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named(serviceName), nil
}
