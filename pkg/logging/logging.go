// Package logging adapts go.uber.org/zap to the orchestrator.Logger
// interface the session engine and its collaborators were written against,
// so every component keeps the same Debug/Info/Warn/Error call sites while
// production logs are structured JSON.
package logging

import (
	"go.uber.org/zap"

	"github.com/ridebook/gateway/pkg/orchestrator"
)

// ZapLogger implements orchestrator.Logger on top of a *zap.SugaredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production zap.Logger (JSON encoding, ISO8601 timestamps) and
// wraps it as an orchestrator.Logger.
func New() (*ZapLogger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: l.Sugar()}, nil
}

// NewDevelopment builds a human-readable console logger, for local runs.
func NewDevelopment() (*ZapLogger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: l.Sugar()}, nil
}

// Wrap adapts an already-constructed zap.Logger.
func Wrap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.sugar.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.sugar.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.sugar.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.sugar.Errorw(msg, args...) }

// Sync flushes any buffered log entries; call on shutdown.
func (z *ZapLogger) Sync() error { return z.sugar.Sync() }

// WithCall returns a logger with call_id bound to every subsequent entry.
func (z *ZapLogger) WithCall(callID string) orchestrator.Logger {
	return &ZapLogger{sugar: z.sugar.With("call_id", callID)}
}
