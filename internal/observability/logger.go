package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "airfield-weather"

// NewLogger builds the process logger. LOG_LEVEL picks the level (info by
// default) and LOG_FORMAT=console switches to the human-readable encoder for
// local runs. Every entry carries the service name.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = logEncoding(os.Getenv("LOG_FORMAT"))
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Encoding == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(os.Getenv("LOG_LEVEL")))
	cfg.InitialFields = map[string]interface{}{"service": serviceName}
	return cfg.Build()
}

func logEncoding(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), "console") {
		return "console"
	}
	return "json"
}

func parseLogLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	if name == "" || lvl.UnmarshalText([]byte(name)) != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// LoggerFrom returns the request-scoped logger stored under "logger", or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value("logger").(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}
