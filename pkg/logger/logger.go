// Package logger builds the structured zap logger shared by every component.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLevel = "info"

// New constructs a JSON zap logger at the given level. Unknown levels fall back to info.
func New(level string) (*zap.Logger, error) {
	return build(level, []string{"stdout"})
}

func build(level string, outputs []string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil || level == "" {
		_ = lvl.UnmarshalText([]byte(defaultLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		StacktraceKey:  "stacktrace",
	}

	cfg := zap.Config{
		Level:             lvl,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// PrintfAdapter adapts zap to printf-style logger interfaces (GORM, kafka-go).
type PrintfAdapter struct {
	logger *zap.SugaredLogger
	errors bool
}

// NewPrintfAdapter creates a PrintfAdapter that logs at info level.
func NewPrintfAdapter(l *zap.Logger) PrintfAdapter {
	return PrintfAdapter{logger: OrNop(l).Sugar()}
}

// NewErrorPrintfAdapter creates a PrintfAdapter that logs at error level.
func NewErrorPrintfAdapter(l *zap.Logger) PrintfAdapter {
	return PrintfAdapter{logger: OrNop(l).Sugar(), errors: true}
}

// Printf implements the Printf-style logging expected by third-party clients.
func (a PrintfAdapter) Printf(format string, args ...any) {
	if a.errors {
		a.logger.Errorf(format, args...)
		return
	}
	a.logger.Infof(format, args...)
}

// Write logs one line per call so the adapter can back io.Writer outputs such as request logs.
func (a PrintfAdapter) Write(p []byte) (int, error) {
	a.Printf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
