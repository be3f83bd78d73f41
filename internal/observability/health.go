package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body. Definitions is absent when no
// definition source is configured.
type ReadinessResponse struct {
	Status      string                 `json:"status"`
	Definitions *DefinitionsInfo       `json:"definitions,omitempty"`
	Checks      map[string]CheckResult `json:"checks"`
}

// DefinitionsInfo identifies the loaded set of entity type definitions, so
// replicas serving different tables can be told apart.
type DefinitionsInfo struct {
	Count    int    `json:"count"`
	Checksum string `json:"checksum"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify that its backing service is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// DefinitionSet is the view of the loaded definitions readiness needs.
type DefinitionSet interface {
	Len() int
	Checksum() string
}

// ReadinessChecks lists what must be healthy before traffic is accepted.
// Definitions is required; the stores are checked only when set.
type ReadinessChecks struct {
	Definitions      DefinitionSet
	Store            HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

var errNoDefinitions = errors.New("no definitions loaded")

func (c ReadinessChecks) probes() map[string]func(context.Context) error {
	p := map[string]func(context.Context) error{
		"definitions": func(context.Context) error {
			if c.Definitions == nil || c.Definitions.Len() == 0 {
				return errNoDefinitions
			}
			return nil
		},
	}
	if c.Store != nil {
		p["store"] = c.Store.Ping
	}
	if c.IdempotencyStore != nil {
		p["idempotency_store"] = c.IdempotencyStore.Ping
	}
	return p
}

// HandleHealth serves the liveness probe. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness probe. Checks run concurrently, each under
// its own timeout; any failing check makes the instance not ready (503).
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make(map[string]CheckResult, len(probes))

		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, probe := range probes {
			wg.Go(func() {
				res := runCheck(r.Context(), probe)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			})
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		if checks.Definitions != nil {
			resp.Definitions = &DefinitionsInfo{Count: checks.Definitions.Len(), Checksum: checks.Definitions.Checksum()}
		}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeProbe(w, status, resp)
	}
}

func runCheck(parent context.Context, probe func(context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
