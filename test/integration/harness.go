// Package integration provides a reusable test harness for end-to-end
// testing of the lifecycle server. It starts the full HTTP stack with real
// JWT verification against a test JWKS endpoint.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/lifecycle/internal/config"
	"github.com/pitabwire/lifecycle/internal/definition"
	"github.com/pitabwire/lifecycle/internal/idempotency"
	"github.com/pitabwire/lifecycle/internal/observability"
	"github.com/pitabwire/lifecycle/internal/transport"
	"github.com/pitabwire/lifecycle/internal/workflow"
	"github.com/pitabwire/lifecycle/model"
)

// TestHarness encapsulates a fully wired lifecycle server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Catalog *definition.Catalog
	Store   workflow.Store
	Service *workflow.Service
	Redis   *miniredis.Miniredis
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	sqlite         bool
	idempotency    string
	handlerTimeout time.Duration
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithSQLite backs the server with a SQLite file instead of the memory store.
func WithSQLite() HarnessOption {
	return func(c *harnessConfig) {
		c.sqlite = true
	}
}

// WithIdempotency enables idempotency with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = config.DriverMemory
	}
}

// WithRedisIdempotency enables idempotency backed by an in-process Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = config.DriverRedis
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full server instance. The server is
// closed when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitionDirs: []string{filepath.Join(repoRoot(), "definitions")},
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	catalog, err := definition.Load(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}

	h := &TestHarness{t: t, issuer: newTokenIssuer(t), Catalog: catalog}
	h.Store = h.openStore(hc.sqlite)
	h.Service = workflow.NewService(catalog, h.Store, nil)

	ready := observability.ReadinessChecks{Definitions: catalog}
	if pinger, ok := h.Store.(observability.HealthChecker); ok {
		ready.Store = pinger
	}
	var guard *idempotency.Guard
	if idem := h.openIdempotency(hc.idempotency); idem != nil {
		ready.IdempotencyStore = idem
		guard = idempotency.NewGuard(idem, time.Hour)
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = testIssuer
	cfg.Identity.Audience = testAudience
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	h.server = httptest.NewServer(transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		Logger:        zap.NewNop(),
		Authenticate:  transport.JWTAuthenticator(cfg.Identity, transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, nil)),
		Service:       h.Service,
		Definitions:   catalog,
		Idempotency:   guard,
		HealthHandler: observability.HandleHealth(),
		ReadyHandler:  observability.HandleReady(ready),
	}))
	t.Cleanup(h.server.Close)

	return h
}

func (h *TestHarness) openStore(sqlite bool) workflow.Store {
	if !sqlite {
		return workflow.NewMemoryStore()
	}
	store, err := workflow.OpenSQLite(context.Background(), filepath.Join(h.t.TempDir(), "lifecycle.db"))
	if err != nil {
		h.t.Fatalf("open sqlite: %v", err)
	}
	h.t.Cleanup(func() { _ = store.Close() })
	return store
}

// openIdempotency returns nil when idempotency is disabled.
func (h *TestHarness) openIdempotency(driver string) idempotency.Store {
	switch driver {
	case config.DriverMemory:
		return idempotency.NewMemoryStore()
	case config.DriverRedis:
		h.Redis = miniredis.RunT(h.t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		h.t.Cleanup(func() { _ = client.Close() })
		return idempotency.NewRedisStore(client)
	default:
		return nil
	}
}

// GenerateToken creates a valid JWT with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET sends a GET to the server. An empty token sends no Authorization header.
func (h *TestHarness) GET(path, token string, headers ...map[string]string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodGet, path, nil, token, headers)
}

// POST sends body as JSON.
func (h *TestHarness) POST(path string, body any, token string, headers ...map[string]string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) send(method, path string, body any, token string, headers []map[string]string) *http.Response {
	h.t.Helper()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal %s %s body: %v", method, path, err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(h.t.Context(), method, h.server.URL+path, payload)
	if err != nil {
		h.t.Fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, set := range headers {
		for k, v := range set {
			req.Header.Set(k, v)
		}
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ReadBody drains and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks the status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if body := h.ReadBody(resp); resp.StatusCode != want {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, want, body)
	}
}

// AssertJSON checks the status code and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	body := h.ReadBody(resp)
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, want, body)
	}
	if err := json.Unmarshal(body, target); err != nil {
		t.Fatalf("decode body: %v\nbody: %s", err, body)
	}
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// Member returns claims for a user of org acme holding roles.
func Member(subject string, roles ...string) TestClaims {
	return TestClaims{
		SubjectID:      subject,
		OrganizationID: "acme",
		Email:          subject + "@acme.example.com",
		Roles:          roles,
	}
}

// As returns the acting role header for role.
func As(role string) map[string]string {
	return map[string]string{"X-Acting-Role": role}
}

// repoRoot returns the absolute path of the module root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}
