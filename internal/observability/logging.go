package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/lifecycle/internal/config"
	"github.com/pitabwire/lifecycle/model"
)

type loggerKey struct{}

// NewLogger builds the JSON process logger. Level conventions:
//   - error: storage failures, failed compensations, panics, 5xx
//   - warn:  rejected transitions and other 4xx outcomes
//   - info:  committed transitions, entity creation, startup and shutdown
//   - debug: idempotent replays and redacted request bodies
//
// An unparseable level falls back to info.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.OutputPaths = []string{"stdout"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder

	return zc.Build(zap.Fields(
		zap.String("service", "lifecycle"),
		zap.String("version", Version),
	))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's
// organization and subject. Correlation, acting role and trace ID are added
// only when set.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("organization_id", rctx.OrganizationID),
		zap.String("subject_id", rctx.SubjectID),
	}
	for _, f := range [...]struct{ key, value string }{
		{"correlation_id", rctx.CorrelationID},
		{"acting_role", rctx.ActingRole},
		{"trace_id", rctx.TraceID},
	} {
		if f.value != "" {
			fields = append(fields, zap.String(f.key, f.value))
		}
	}
	return logger.With(fields...)
}

// EntityFields identifies a governed entity in log lines.
func EntityFields(ref model.EntityRef) []zap.Field {
	return []zap.Field{
		zap.String("entity_type", ref.EntityType),
		zap.String("entity_id", ref.EntityID),
	}
}

const redacted = "[REDACTED]"

// sensitiveKeys never reach debug logs. Comments are audit data and are not
// listed.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"access_token",
	"refresh_token",
	"api_key",
	"authorization",
}

// RedactBody returns a copy of body with sensitive keys replaced by
// "[REDACTED]". Keys match case-insensitively, at any depth, including
// objects inside arrays. extra adds keys to the built-in list.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range slices.Concat(sensitiveKeys, extra) {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactObject(body, keys)
}

func redactObject(obj map[string]any, keys map[string]struct{}) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if _, hit := keys[strings.ToLower(k)]; hit {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]struct{}) any {
	switch x := v.(type) {
	case map[string]any:
		return redactObject(x, keys)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = redactValue(e, keys)
		}
		return out
	default:
		return v
	}
}
