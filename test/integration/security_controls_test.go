package integration

import (
	"encoding/base64"
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/lifecycle/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/v1/entity-types",
		"/v1/entity-types/voucher/rules",
		"/v1/entities/voucher/v-1",
		"/v1/entities/voucher/v-1/transitions",
		"/v1/entities/voucher/v-1/history",
		"/v1/entities/voucher/v-1/verify",
	}
	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			h.AssertStatus(t, h.GET(ep, ""), http.StatusUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(Member("pat", "preparer"))
	h.AssertStatus(t, h.GET("/v1/entity-types", token), http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.issuer.GenerateForeignToken(t, Member("pat", "preparer"))
	h.AssertStatus(t, h.GET("/v1/entity-types", token), http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","organization_id":"acme","iss":"` +
		testIssuer + `","aud":"` + testAudience + `","roles":["super_admin"]}`))
	h.AssertStatus(t, h.GET("/v1/entity-types", header+"."+payload+"."), http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	claims := Member("pat", "preparer")
	claims.Extra = map[string]any{"aud": "some-other-api"}
	h.AssertStatus(t, h.GET("/v1/entity-types", h.GenerateToken(claims)), http.StatusUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertStatus(t, h.GET("/v1/entity-types", "not.a.valid.jwt.token"), http.StatusUnauthorized)
}

func TestSecurity_TokenWithoutOrganization_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	claims := Member("pat", "preparer")
	claims.OrganizationID = ""
	h.AssertStatus(t, h.GET("/v1/entity-types", h.GenerateToken(claims)), http.StatusUnauthorized)
}

// ==========================================================================
// Authorization Tests
// ==========================================================================

func TestSecurity_ActingRoleMustBeGranted(t *testing.T) {
	h := NewTestHarness(t)
	preparer := h.GenerateToken(Member("pat", "preparer"))
	createVoucher(t, h, preparer, "v-1")

	// Claiming super_admin through the header does not grant it.
	resp := transition(h, preparer, "super_admin", "v-1", "draft", "cancelled", "nope")
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)

	var hist historyBody
	h.AssertJSON(t, h.GET("/v1/entities/voucher/v-1/history", preparer), 200, &hist)
	if len(hist.Entries) != 0 {
		t.Errorf("a request refused before the engine must not be audited, got %d entries", len(hist.Entries))
	}
}

func TestSecurity_RoleNotPermittedIsAudited(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(Member("ada", "preparer", "accountant"))
	createVoucher(t, h, token, "v-1")

	h.AssertErrorCode(t, transition(h, token, "accountant", "v-1", "draft", "pending_approval", ""),
		http.StatusForbidden, model.ErrRoleNotPermitted)

	var hist historyBody
	h.AssertJSON(t, h.GET("/v1/entities/voucher/v-1/history", token), 200, &hist)
	if len(hist.Entries) != 1 || hist.Entries[0].ActorRole != "accountant" {
		t.Errorf("history = %+v", hist.Entries)
	}
}

// ==========================================================================
// Organization Isolation Tests
// ==========================================================================

func TestSecurity_OrganizationIsolation(t *testing.T) {
	h := NewTestHarness(t)
	alpha := h.GenerateToken(TestClaims{SubjectID: "a", OrganizationID: "alpha", Roles: []string{"admin"}})
	beta := h.GenerateToken(TestClaims{SubjectID: "b", OrganizationID: "beta", Roles: []string{"admin"}})

	createVoucher(t, h, alpha, "v-1")

	// Another organization sees NOT_FOUND, never FORBIDDEN.
	h.AssertErrorCode(t, h.GET("/v1/entities/voucher/v-1", beta), 404, model.ErrNotFound)
	h.AssertErrorCode(t, h.GET("/v1/entities/voucher/v-1/history", beta), 404, model.ErrNotFound)
	h.AssertErrorCode(t, transition(h, beta, "admin", "v-1", "draft", "pending_approval", ""), 404, model.ErrNotFound)

	// Beta may create its own v-1 without touching alpha's.
	createVoucher(t, h, beta, "v-1")
	h.AssertStatus(t, transition(h, beta, "admin", "v-1", "draft", "pending_approval", ""), 200)

	var st entityStatus
	h.AssertJSON(t, h.GET("/v1/entities/voucher/v-1", alpha), 200, &st)
	if st.Status != "draft" {
		t.Errorf("alpha's voucher moved to %q", st.Status)
	}
}

func TestSecurity_OrganizationFromJWT_NotBody(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(Member("pat", "preparer"))

	resp := h.POST("/v1/entities/voucher", map[string]string{"entity_id": "v-1", "organization_id": "evil-corp"}, token)
	var created model.GovernedEntity
	h.AssertJSON(t, resp, http.StatusCreated, &created)
	if created.OrganizationID != "acme" {
		t.Errorf("organization = %q, want acme from the token", created.OrganizationID)
	}
}

// ==========================================================================
// Information Leakage Tests
// ==========================================================================

func TestSecurity_ErrorResponseNoStackTrace(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(Member("pat", "preparer"))

	bodies := []string{
		string(h.ReadBody(h.GET("/v1/entities/voucher/missing", token))),
		string(h.ReadBody(h.POST("/v1/entities/voucher", "{", token))),
		string(h.ReadBody(h.GET("/v1/entity-types/unknown/rules", token))),
	}
	sensitive := []string{"goroutine", ".go:", "panic", "runtime.", "/internal/", "localhost"}
	for _, body := range bodies {
		for _, pattern := range sensitive {
			if strings.Contains(body, pattern) {
				t.Errorf("error response contains %q: %s", pattern, body)
			}
		}
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

var securityHeaders = map[string]string{
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Cache-Control":             "no-store",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
}

func TestSecurity_HeadersOnEveryResponse(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(Member("pat", "preparer"))

	cases := map[string]*http.Response{
		"authenticated": h.GET("/v1/entity-types", token),
		"unauthorized":  h.GET("/v1/entity-types", ""),
		"public":        h.GET("/health", ""),
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			defer resp.Body.Close()
			for header, want := range securityHeaders {
				if got := resp.Header.Get(header); got != want {
					t.Errorf("%s = %q, want %q", header, got, want)
				}
			}
		})
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(Member("pat", "preparer"))

	resp := h.GET("/v1/entity-types", token)
	resp.Body.Close()
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp = h.GET("/v1/entity-types", token, map[string]string{"X-Correlation-Id": "custom-trace-123"})
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want custom-trace-123", got)
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)
	resp := h.GET("/health", "", map[string]string{"Origin": "http://localhost:3000"})
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)
	resp := h.GET("/health", "", map[string]string{"Origin": "https://evil.example.com"})
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}

// ==========================================================================
// Probes
// ==========================================================================

func TestHarness_ReadyWithRedis(t *testing.T) {
	h := NewTestHarness(t, WithSQLite(), WithRedisIdempotency())
	h.AssertStatus(t, h.GET("/ready", ""), http.StatusOK)

	h.Redis.Close()
	h.AssertStatus(t, h.GET("/ready", ""), http.StatusServiceUnavailable)
}
