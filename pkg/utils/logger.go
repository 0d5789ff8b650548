package utils

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger returns the process logger, named "teian". Debug mode uses zap's development
// config (console output, debug level, stack traces on warnings); otherwise JSON at info
// level without stack traces.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = !debug
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("teian"), nil
}
