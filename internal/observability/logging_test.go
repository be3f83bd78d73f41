package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/lifecycle/internal/config"
	"github.com/pitabwire/lifecycle/model"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// --- NewLogger ---

func TestNewLogger_levels(t *testing.T) {
	cases := []struct {
		configured string
		enabled    zapcore.Level
		disabled   zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.InvalidLevel},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
		{"bogus", zapcore.InfoLevel, zapcore.DebugLevel},
		{"", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tc := range cases {
		t.Run(tc.configured, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tc.configured})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer func() { _ = logger.Sync() }()

			if !logger.Core().Enabled(tc.enabled) {
				t.Errorf("%s should be enabled", tc.enabled)
			}
			if tc.disabled != zapcore.InvalidLevel && logger.Core().Enabled(tc.disabled) {
				t.Errorf("%s should be disabled", tc.disabled)
			}
		})
	}
}

// --- Context loggers ---

func TestLoggerFrom(t *testing.T) {
	stored, fallback := zap.NewNop(), zap.NewNop()

	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("expected fallback without a stored logger")
	}
	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("expected the stored logger")
	}
	if got := LoggerFrom(WithLogger(context.Background(), nil), fallback); got != fallback {
		t.Error("a stored nil logger should yield the fallback")
	}
}

func TestRequestLogger_fields(t *testing.T) {
	logger, logs := observedLogger()

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		OrganizationID: "acme",
		SubjectID:      "sam",
		ActingRole:     "spending_authority",
		CorrelationID:  "corr-1",
		TraceID:        "trace-1",
	})
	RequestLogger(WithLogger(ctx, logger), zap.NewNop()).Info("transition committed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	want := map[string]string{
		"organization_id": "acme",
		"subject_id":      "sam",
		"acting_role":     "spending_authority",
		"correlation_id":  "corr-1",
		"trace_id":        "trace-1",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %q", k, fields[k], v)
		}
	}
}

func TestRequestLogger_omitsEmptyOptionalFields(t *testing.T) {
	logger, logs := observedLogger()

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		OrganizationID: "acme",
		SubjectID:      "sam",
	})
	RequestLogger(ctx, logger).Warn("transition rejected by guard")

	fields := logs.All()[0].ContextMap()
	for _, k := range []string{"correlation_id", "acting_role", "trace_id"} {
		if _, ok := fields[k]; ok {
			t.Errorf("%s present although empty", k)
		}
	}
	if fields["organization_id"] != "acme" {
		t.Errorf("organization_id = %v", fields["organization_id"])
	}
}

func TestRequestLogger_withoutRequestContext(t *testing.T) {
	logger, logs := observedLogger()

	RequestLogger(context.Background(), logger).Info("startup")

	if n := len(logs.All()[0].Context); n != 0 {
		t.Errorf("fields = %d, want none outside a request", n)
	}
}

func TestEntityFields(t *testing.T) {
	logger, logs := observedLogger()
	ref := model.EntityRef{EntityType: "risk", EntityID: "r-3", OrganizationID: "acme"}

	logger.With(EntityFields(ref)...).Info("entity created")

	fields := logs.All()[0].ContextMap()
	if fields["entity_type"] != "risk" || fields["entity_id"] != "r-3" {
		t.Errorf("fields = %v", fields)
	}
}

// --- RedactBody ---

func TestRedactBody(t *testing.T) {
	body := map[string]any{
		"current_state": "draft",
		"target_state":  "cancelled",
		"comment":       "duplicate of v-7",
		"Token":         "abc.def.ghi",
		"meta": map[string]any{
			"api_key": "k-1",
			"source":  "mobile",
		},
		"attachments": []any{
			map[string]any{"name": "receipt.pdf", "Authorization": "Bearer x"},
			"plain",
		},
	}

	got := RedactBody(body, nil)

	for k, want := range map[string]any{
		"current_state": "draft",
		"target_state":  "cancelled",
		"comment":       "duplicate of v-7",
		"Token":         "[REDACTED]",
	} {
		if got[k] != want {
			t.Errorf("%s = %v, want %v", k, got[k], want)
		}
	}
	meta := got["meta"].(map[string]any)
	if meta["api_key"] != "[REDACTED]" || meta["source"] != "mobile" {
		t.Errorf("meta = %v", meta)
	}
	attachments := got["attachments"].([]any)
	first := attachments[0].(map[string]any)
	if first["Authorization"] != "[REDACTED]" || first["name"] != "receipt.pdf" {
		t.Errorf("attachments[0] = %v", first)
	}
	if attachments[1] != "plain" {
		t.Errorf("attachments[1] = %v", attachments[1])
	}
}

func TestRedactBody_extraKeys(t *testing.T) {
	got := RedactBody(map[string]any{"comment": "salary of J. Doe", "entity_id": "v-1"}, []string{"COMMENT"})
	if got["comment"] != "[REDACTED]" {
		t.Errorf("comment = %v", got["comment"])
	}
	if got["entity_id"] != "v-1" {
		t.Errorf("entity_id = %v", got["entity_id"])
	}
}

func TestRedactBody_leavesInputUntouched(t *testing.T) {
	nested := map[string]any{"password": "p"}
	body := map[string]any{"password": "secret", "nested": nested}

	_ = RedactBody(body, nil)

	if body["password"] != "secret" || nested["password"] != "p" {
		t.Errorf("input mutated: %v", body)
	}
}

func TestRedactBody_nil(t *testing.T) {
	if got := RedactBody(nil, nil); got != nil {
		t.Errorf("RedactBody(nil) = %v", got)
	}
}
