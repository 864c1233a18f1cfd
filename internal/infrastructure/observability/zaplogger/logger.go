// Package zaplogger backs the observability.Logger port with zap's
// production JSON encoder.
package zaplogger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gamekeys/backend/internal/observability"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct{ base *zap.Logger }

// New builds a JSON logger on stdout. LOG_LEVEL lowers or raises the
// minimum level (default info); LOG_FILE mirrors output into a file.
func New(fixed ...observability.Field) observability.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stdout"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	if lvl, err := zapcore.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if path := os.Getenv("LOG_FILE"); path != "" {
		if err := touchLogFile(path); err != nil {
			panic(fmt.Errorf("prepare log file: %w", err))
		}
		cfg.OutputPaths = append(cfg.OutputPaths, path)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, path)
	}

	base, err := cfg.Build(zap.Fields(zapFields(fixed)...))
	if err != nil {
		panic(err)
	}
	return &zapLogger{base: base}
}

func (z *zapLogger) With(fields ...observability.Field) observability.Logger {
	if len(fields) == 0 {
		return z
	}
	return &zapLogger{base: z.base.With(zapFields(fields)...)}
}

func (z *zapLogger) Debug(msg string, fields ...observability.Field) {
	z.base.Debug(msg, zapFields(fields)...)
}

func (z *zapLogger) Info(msg string, fields ...observability.Field) {
	z.base.Info(msg, zapFields(fields)...)
}

func (z *zapLogger) Warn(msg string, fields ...observability.Field) {
	z.base.Warn(msg, zapFields(fields)...)
}

func (z *zapLogger) Error(msg string, fields ...observability.Field) {
	z.base.Error(msg, zapFields(fields)...)
}

// Sync flushes buffered entries. Call it on shutdown.
func (z *zapLogger) Sync() error {
	return z.base.Sync()
}

func zapFields(fs []observability.Field) []zap.Field {
	out := make([]zap.Field, len(fs))
	for i, f := range fs {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

func touchLogFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
