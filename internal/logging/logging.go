// Package logging wraps zap the way the teacher's
// crossplane-runtime/pkg/logging.Logger does, without carrying the whole
// crossplane-runtime dependency (see DESIGN.md).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the small structured-logging surface every component takes,
// mirroring the teacher's logging.Logger (Debug/Info/WithValues) so call
// sites read identically.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	WithValues(keysAndValues ...any) Logger
}

type zapLogger struct {
	z *zap.SugaredLogger
}

// NewZapLogger wraps an existing *zap.Logger.
func NewZapLogger(z *zap.Logger) Logger {
	return &zapLogger{z: z.Sugar()}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.z.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.z.Infow(msg, kv...) }
func (l *zapLogger) WithValues(kv ...any) Logger {
	return &zapLogger{z: l.z.With(kv...)}
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything, used as the
// default for components constructed without an explicit logger.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)    {}
func (nopLogger) Info(string, ...any)     {}
func (nopLogger) WithValues(...any) Logger { return nopLogger{} }

// UseISO8601 and UseJSON mirror the teacher's cmd/provider/main.go logger
// encoder switches, selected by the operator's --log-encoding flag.
func UseISO8601(cfg *zap.Config) {
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
}

func UseJSON(cfg *zap.Config) {
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
}

// New builds the process logger: debug-level when debug is set, info-level
// otherwise, with JSON encoding when jsonEncoding is set and console
// encoding otherwise.
func New(debug bool, jsonEncoding bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	if jsonEncoding {
		UseJSON(&cfg)
	} else {
		UseISO8601(&cfg)
	}
	return cfg.Build()
}
