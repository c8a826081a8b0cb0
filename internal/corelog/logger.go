// Package corelog wraps zap so every component in the runtime logs through
// the same field-scoped, named-child interface.
package corelog

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a re-export so callers never import zap directly.
type Field = zap.Field

func String(key, value string) Field          { return zap.String(key, value) }
func Int(key string, value int) Field         { return zap.Int(key, value) }
func Int64(key string, v int64) Field         { return zap.Int64(key, v) }
func Err(err error) Field                     { return zap.Error(err) }
func Duration(key string, v time.Duration) Field {
	return zap.Duration(key, v)
}
func Any(key string, value interface{}) Field { return zap.Any(key, value) }
func Bool(key string, value bool) Field       { return zap.Bool(key, value) }

// Logger is the narrow interface every package in this module depends on.
// Production code is built against *zap.Logger; tests substitute zaptest
// or zap.NewNop().
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Named(name string) Logger
	With(fields ...Field) Logger
}

type zapLogger struct {
	l *zap.Logger
}

func Wrap(l *zap.Logger) Logger { return &zapLogger{l: l} }

func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) Named(name string) Logger          { return &zapLogger{l: z.l.Named(name)} }
func (z *zapLogger) With(fields ...Field) Logger       { return &zapLogger{l: z.l.With(fields...)} }

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger { return Wrap(zap.NewNop()) }

// NewProduction builds the runtime's default logger: console-encoded,
// ISO8601 timestamps, fanned out to stderr and an optional log file.
func NewProduction(logFilePath string) (Logger, func(), error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	syncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	closeFn := func() {}

	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		syncers = append(syncers, zapcore.AddSync(f))
		closeFn = func() { _ = f.Close() }
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.NewMultiWriteSyncer(syncers...),
		zap.InfoLevel,
	)
	return Wrap(zap.New(core)), closeFn, nil
}
