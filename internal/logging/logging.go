package logging

import (
	"go.uber.org/zap"
)

// New builds the process logger. Production config (JSON, info level) by
// default; debug switches to the human-readable development encoder.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Nop returns a no-op logger for callers that don't care about output,
// mainly tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
