// Package logging provides the structured logger used across the broker,
// sender, forwarder, and module runtime.
package logging

import "go.uber.org/zap"

// Logger is the minimal structured-logging surface every component in this
// repo depends on, rather than depending on zap directly.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
	Sync() error
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds the default Logger. development=true yields a
// caller-annotated console encoder; false yields production JSON.
func NewZap(development bool) Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op-safe logger rather than failing component
		// construction over a logging misconfiguration.
		l = zap.NewNop()
	}
	return &zapLogger{sugar: l.Sugar()}
}

func (z *zapLogger) Debugw(msg string, kv ...interface{}) { z.sugar.Debugw(msg, kv...) }
func (z *zapLogger) Infow(msg string, kv ...interface{})  { z.sugar.Infow(msg, kv...) }
func (z *zapLogger) Warnw(msg string, kv ...interface{})  { z.sugar.Warnw(msg, kv...) }
func (z *zapLogger) Errorw(msg string, kv ...interface{}) { z.sugar.Errorw(msg, kv...) }

func (z *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{sugar: z.sugar.With(kv...)}
}

func (z *zapLogger) Sync() error { return z.sugar.Sync() }

// Nop returns a Logger that discards everything, for tests that don't care
// about log output.
func Nop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}
