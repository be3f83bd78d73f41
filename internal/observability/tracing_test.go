package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/lifecycle/internal/config"
	"github.com/pitabwire/lifecycle/model"
)

// --- Helpers ---

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	return spans[0]
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

var sampleRequest = model.TransitionRequest{
	Entity:       model.EntityRef{EntityType: "voucher", EntityID: "v-1", OrganizationID: "acme"},
	CurrentState: "pending_approval",
	TargetState:  "approved",
	Actor:        model.Actor{ID: "sam", Role: "spending_authority", OrganizationID: "acme"},
}

// --- InitTracing ---

func TestInitTracing_disabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "lifecycled", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}
	shutdown, err := InitTracing(context.Background(), cfg, "lifecycled", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "zipkin"}
	if _, err := InitTracing(context.Background(), cfg, "lifecycled", "test"); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

// --- Sampler ---

func TestNewSampler(t *testing.T) {
	// The ratio sampler reads the low 8 bytes of the trace ID.
	var highID trace.TraceID
	for i := 8; i < 16; i++ {
		highID[i] = 0xff
	}
	high := sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: highID}
	low := sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: trace.TraceID{1}}

	cases := []struct {
		rate        float64
		highSampled bool
		lowSampled  bool
	}{
		{rate: 1, highSampled: true, lowSampled: true},
		{rate: 5, highSampled: true, lowSampled: true},
		{rate: 0.5, highSampled: false, lowSampled: true},
		{rate: 0, highSampled: false, lowSampled: true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.rate), func(t *testing.T) {
			s := newSampler(tc.rate)
			if got := s.ShouldSample(high).Decision == sdktrace.RecordAndSample; got != tc.highSampled {
				t.Errorf("high trace ID sampled = %v, want %v", got, tc.highSampled)
			}
			if got := s.ShouldSample(low).Decision == sdktrace.RecordAndSample; got != tc.lowSampled {
				t.Errorf("low trace ID sampled = %v, want %v", got, tc.lowSampled)
			}
		})
	}
}

func TestNewSampler_followsSampledParent(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	params := sdktrace.SamplingParameters{
		ParentContext: trace.ContextWithRemoteSpanContext(context.Background(), parent),
		TraceID:       parent.TraceID(),
	}
	if d := newSampler(0.01).ShouldSample(params).Decision; d != sdktrace.RecordAndSample {
		t.Errorf("decision = %v, want sampled because the parent was", d)
	}
}

// --- Transition spans ---

func TestStartTransitionSpan_attributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartTransitionSpan(context.Background(), sampleRequest)
	if trace.SpanFromContext(ctx) != span {
		t.Error("context does not carry the transition span")
	}
	EndTransitionSpan(span, nil)

	s := onlySpan(t, exporter)
	if s.Name != "lifecycle.transition" {
		t.Errorf("name = %q", s.Name)
	}
	want := map[string]string{
		"lifecycle.entity_type":     "voucher",
		"lifecycle.entity_id":       "v-1",
		"lifecycle.organization_id": "acme",
		"lifecycle.from_state":      "pending_approval",
		"lifecycle.to_state":        "approved",
		"lifecycle.actor_role":      "spending_authority",
		"lifecycle.outcome":         "success",
	}
	attrs := spanAttrMap(s)
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}
	if s.Status.Code == codes.Error {
		t.Error("successful transition marked as error")
	}
}

func TestEndTransitionSpan_rejections(t *testing.T) {
	rejections := []error{
		model.NewUndefinedTransitionError("voucher", "posted", "draft"),
		model.NewRoleNotPermittedError("preparer", "pending_approval", "approved"),
		model.NewCommentRequiredError("draft", "cancelled"),
		model.NewConcurrentModificationError(sampleRequest.Entity, "pending_approval"),
		fmt.Errorf("lookup: %w", model.NewNotFoundError("no such voucher")),
	}
	for _, rerr := range rejections {
		code := model.CodeOf(rerr)
		t.Run(code, func(t *testing.T) {
			exporter := setupTestTracer(t)

			_, span := StartTransitionSpan(context.Background(), sampleRequest)
			EndTransitionSpan(span, rerr)

			s := onlySpan(t, exporter)
			if s.Status.Code == codes.Error {
				t.Error("rejection marked the span as an error")
			}
			attrs := spanAttrMap(s)
			if attrs["lifecycle.outcome"] != "rejected" || attrs["lifecycle.rejection_reason"] != code {
				t.Errorf("attrs = %v", attrs)
			}
			if len(s.Events) != 1 || s.Events[0].Name != "transition rejected" {
				t.Errorf("events = %+v, want one rejection event", s.Events)
			}
		})
	}
}

func TestEndTransitionSpan_failures(t *testing.T) {
	cases := map[string]error{
		model.ErrStorageUnavailable: model.NewStorageUnavailableError("append audit entry", errors.New("disk full")),
		model.ErrIntegrityViolation: model.NewIntegrityViolationError(sampleRequest.Entity, "approved", "draft"),
		model.ErrInternalError:      errors.New("unexpected"),
	}
	for want, ferr := range cases {
		t.Run(want, func(t *testing.T) {
			exporter := setupTestTracer(t)

			_, span := StartTransitionSpan(context.Background(), sampleRequest)
			EndTransitionSpan(span, ferr)

			s := onlySpan(t, exporter)
			if s.Status.Code != codes.Error || s.Status.Description != want {
				t.Errorf("status = %v %q, want Error %q", s.Status.Code, s.Status.Description, want)
			}
			if spanAttrMap(s)["lifecycle.outcome"] != "error" {
				t.Error("outcome should be error")
			}
		})
	}
}

// --- IDs from context ---

func TestIDsFromContext(t *testing.T) {
	setupTestTracer(t)

	if TraceIDFromContext(context.Background()) != "" || SpanIDFromContext(context.Background()) != "" {
		t.Fatal("IDs without a span should be empty")
	}

	ctx, span := StartSpan(context.Background(), "probe")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("trace ID = %q", got)
	}
	if got := SpanIDFromContext(ctx); got != span.SpanContext().SpanID().String() {
		t.Errorf("span ID = %q", got)
	}
}

func TestStartSpan_parentChild(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "idempotency.check")
	_, child := StartTransitionSpan(ctx, sampleRequest)
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("transition span is not a child of the enclosing span")
	}
}

// --- TracingMiddleware ---

func newTracedRouter(status int) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/entities/{entityType}/{entityId}/transitions", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
	})
	return TracingMiddleware(r)
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/entities/voucher/v-1/transitions", nil)
	newTracedRouter(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	s := onlySpan(t, exporter)
	const pattern = "/v1/entities/{entityType}/{entityId}/transitions"
	if s.Name != "POST "+pattern {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("kind = %v, want server", s.SpanKind)
	}
	attrs := spanAttrMap(s)
	if attrs["http.route"] != pattern {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
	if attrs["url.path"] != "/v1/entities/voucher/v-1/transitions" {
		t.Errorf("url.path = %q", attrs["url.path"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("status code = %q", attrs["http.response.status_code"])
	}
}

func TestTracingMiddleware_unmatchedKeepsPath(t *testing.T) {
	exporter := setupTestTracer(t)

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	newTracedRouter(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	if s := onlySpan(t, exporter); s.Name != "GET /nowhere" {
		t.Errorf("span name = %q", s.Name)
	}
}

func TestTracingMiddleware_statusMapping(t *testing.T) {
	cases := []struct {
		status  int
		isError bool
	}{
		{http.StatusConflict, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusServiceUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			exporter := setupTestTracer(t)

			req := httptest.NewRequest(http.MethodPost, "/v1/entities/voucher/v-1/transitions", nil)
			newTracedRouter(tc.status).ServeHTTP(httptest.NewRecorder(), req)

			if got := onlySpan(t, exporter).Status.Code == codes.Error; got != tc.isError {
				t.Errorf("error status = %v, want %v", got, tc.isError)
			}
		})
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := setupTestTracer(t)

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	const parentID = "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodPost, "/v1/entities/voucher/v-1/transitions", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentID+"-01")
	rec := httptest.NewRecorder()
	newTracedRouter(http.StatusOK).ServeHTTP(rec, req)

	s := onlySpan(t, exporter)
	if s.SpanContext.TraceID().String() != traceID {
		t.Errorf("trace ID = %s, want %s", s.SpanContext.TraceID(), traceID)
	}
	if s.Parent.SpanID().String() != parentID {
		t.Errorf("parent = %s, want %s", s.Parent.SpanID(), parentID)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response carries no Traceparent")
	}
}
