package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/lifecycle/internal/config"
	"github.com/pitabwire/lifecycle/model"
)

const (
	tracerName          = "github.com/pitabwire/lifecycle"
	transitionSpanName  = "lifecycle.transition"
	defaultSamplingRate = 0.1
)

// Span attribute keys.
var (
	AttrEntityType      = attribute.Key("lifecycle.entity_type")
	AttrEntityID        = attribute.Key("lifecycle.entity_id")
	AttrOrganizationID  = attribute.Key("lifecycle.organization_id")
	AttrFromState       = attribute.Key("lifecycle.from_state")
	AttrToState         = attribute.Key("lifecycle.to_state")
	AttrActorRole       = attribute.Key("lifecycle.actor_role")
	AttrOutcome         = attribute.Key("lifecycle.outcome")
	AttrRejectionReason = attribute.Key("lifecycle.rejection_reason")
)

// InitTracing installs a global TracerProvider and W3C propagator. The
// returned function flushes and stops the provider. With tracing disabled the
// global no-op provider stays in place.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		)),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler honours the caller's sampling decision and samples new root
// traces at rate. A rate of zero or below means the default rate.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span on the lifecycle tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EntityAttributes returns the span attributes identifying ref.
func EntityAttributes(ref model.EntityRef) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEntityType.String(ref.EntityType),
		AttrEntityID.String(ref.EntityID),
		AttrOrganizationID.String(ref.OrganizationID),
	}
}

// StartTransitionSpan starts the span covering one transition attempt.
func StartTransitionSpan(ctx context.Context, req model.TransitionRequest) (context.Context, trace.Span) {
	attrs := append(EntityAttributes(req.Entity),
		AttrFromState.String(string(req.CurrentState)),
		AttrToState.String(string(req.TargetState)),
		AttrActorRole.String(string(req.Actor.Role)),
	)
	return StartSpan(ctx, transitionSpanName, attrs...)
}

// EndTransitionSpan records the outcome of a transition and ends the span.
// Rejections are expected outcomes: they are tagged and logged as an event
// but leave the span status unset. Only infrastructure failures mark the
// span as an error.
func EndTransitionSpan(span trace.Span, err error) {
	defer span.End()

	if err == nil {
		span.SetAttributes(AttrOutcome.String(string(model.OutcomeSuccess)))
		return
	}

	code := model.CodeOf(err)
	if isRejection(code) {
		span.SetAttributes(
			AttrOutcome.String(string(model.OutcomeRejected)),
			AttrRejectionReason.String(code),
		)
		span.AddEvent("transition rejected", trace.WithAttributes(AttrRejectionReason.String(code)))
		return
	}

	if code == "" {
		code = model.ErrInternalError
	}
	span.SetAttributes(AttrOutcome.String("error"))
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
}

func isRejection(code string) bool {
	switch code {
	case model.ErrUndefinedTransition, model.ErrRoleNotPermitted, model.ErrCommentRequired,
		model.ErrConcurrentModification, model.ErrNotFound:
		return true
	}
	return false
}

// TraceIDFromContext returns the active trace ID, or "" outside a span.
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the active span ID, or "" outside a span.
func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any inbound
// W3C trace context. Once the router has matched, the span is renamed to the
// route pattern so span names stay low-cardinality.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		r = withRouteContext(r.WithContext(ctx))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if pattern := routePattern(r); pattern != r.URL.Path {
			span.SetName(r.Method + " " + pattern)
			span.SetAttributes(semconv.HTTPRoute(pattern))
		}
		status := statusOf(ww)
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}
