package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/lifecycle/internal/config"
	"github.com/pitabwire/lifecycle/internal/idempotency"
	"github.com/pitabwire/lifecycle/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Service      *workflow.Service
	Definitions  DefinitionSource
	// Idempotency may be nil, which disables request deduplication.
	Idempotency *idempotency.Guard

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Method(http.MethodGet, "/health", orDefault(deps.HealthHandler, handleHealth))
	r.Method(http.MethodGet, "/ready", orDefault(deps.ReadyHandler, handleReady))
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/entity-types", handleListEntityTypes(deps.Definitions))
		r.Get("/entity-types/{entityType}/rules", handleRules(deps.Definitions))

		r.Post("/entities/{entityType}", handleCreate(deps.Service))
		r.Get("/entities/{entityType}/{entityId}", handleStatus(deps.Service))
		r.Get("/entities/{entityType}/{entityId}/transitions", handleAvailableTransitions(deps.Service))
		r.Post("/entities/{entityType}/{entityId}/transitions", handleTransition(deps.Service, deps.Idempotency, logger))
		r.Get("/entities/{entityType}/{entityId}/history", handleHistory(deps.Service))
		r.Get("/entities/{entityType}/{entityId}/verify", handleVerify(deps.Service))
	})

	return r
}

func orDefault(h http.Handler, fallback http.HandlerFunc) http.Handler {
	if h != nil {
		return h
	}
	return fallback
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
