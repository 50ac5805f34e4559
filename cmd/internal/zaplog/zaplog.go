// Package zaplog adapts zap to the outbox.Logger interface for the commands.
package zaplog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	outbox "github.com/velmie/offline-outbox"
)

// Logger implements outbox.Logger on a zap SugaredLogger.
type Logger struct {
	sugar *zap.SugaredLogger
}

var _ outbox.Logger = Logger{}

// Wrap adapts logger. A nil logger discards everything.
func Wrap(logger *zap.Logger) Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return Logger{sugar: logger.Sugar()}
}

// NewProduction builds a JSON logger writing to stderr; verbose enables debug level.
func NewProduction(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}

// Debug implements outbox.Logger.
func (l Logger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
}

// Info implements outbox.Logger.
func (l Logger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
}

// Warn implements outbox.Logger.
func (l Logger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, args...)
}

// Error implements outbox.Logger.
func (l Logger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
}
