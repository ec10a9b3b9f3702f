package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/gatekeeper/internal/admission"
	"github.com/promptforge/gatekeeper/internal/admission/store"
	"github.com/promptforge/gatekeeper/internal/gate"
	"github.com/promptforge/gatekeeper/internal/policy"
	"github.com/promptforge/gatekeeper/internal/principal"
	"github.com/promptforge/gatekeeper/internal/registry"
)

func TestClientIPExtractor_NoTrustedProxies(t *testing.T) {
	e := NewClientIPExtractor(nil)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:4433"
	r.Header.Set(headerXForwardedFor, "198.51.100.9")

	// Header must be ignored without trusted proxies.
	assert.Equal(t, "203.0.113.5", e.Extract(r))
}

func TestClientIPExtractor_TrustedProxy(t *testing.T) {
	e := NewClientIPExtractor([]string{"10.0.0.0/8"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4433"
	r.Header.Set(headerXForwardedFor, "198.51.100.9, 10.9.9.9")

	assert.Equal(t, "198.51.100.9", e.Extract(r))
}

func TestClientIPExtractor_UntrustedPeerIgnoresHeader(t *testing.T) {
	e := NewClientIPExtractor([]string{"10.0.0.0/8"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:4433"
	r.Header.Set(headerXForwardedFor, "198.51.100.9")

	assert.Equal(t, "203.0.113.5", e.Extract(r))
}

func TestClientIPExtractor_WholeChainTrusted(t *testing.T) {
	e := NewClientIPExtractor([]string{"10.0.0.0/8"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4433"
	r.Header.Set(headerXForwardedFor, "10.0.0.7")

	assert.Equal(t, "10.1.2.3", e.Extract(r))
}

func TestClientIPExtractor_SingleIPAndIPv6(t *testing.T) {
	e := NewClientIPExtractor([]string{"10.1.2.3", "bad-entry"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4433"
	r.Header.Set(headerXForwardedFor, "2001:db8::1")
	assert.Equal(t, "2001:db8::1", e.Extract(r))

	r.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", e.Extract(r))
}

func testGateway(t *testing.T) *gate.Gateway {
	t.Helper()
	reg, err := registry.New(map[string][]registry.Role{
		"prompts:read": {registry.RoleOrgMember},
	})
	require.NoError(t, err)

	g, err := gate.NewGateway(reg, []gate.Binding{{
		Preset: &policy.Preset{
			Name:               "prompt-read",
			RequiredRoles:      []registry.Role{registry.RoleOrgMember},
			RequiredPermission: "prompts:read",
		},
	}})
	require.NoError(t, err)
	return g
}

func memberContextRequest(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	p := &principal.Principal{
		ID:             "u1",
		Role:           string(registry.RoleOrgMember),
		OrganizationID: "org1",
		Permissions:    map[string]struct{}{"prompts:read": {}},
		Tier:           principal.TierPro,
	}
	return r.WithContext(principal.ContextWithPrincipal(r.Context(), p))
}

func TestGuard_Allow(t *testing.T) {
	guard := NewGuard(testGateway(t), nil)

	called := false
	handler := guard.Protect(Route{PresetName: "prompt-read"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, memberContextRequest("/prompts/1"))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGuard_AnonymousDenied401(t *testing.T) {
	guard := NewGuard(testGateway(t), nil)

	handler := guard.Protect(Route{PresetName: "prompt-read"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/prompts/1", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Insufficient permissions", body["error"])

	// Reason codes never reach the client.
	assert.NotContains(t, w.Body.String(), "INSUFFICIENT_ROLE")
}

func TestGuard_RateLimited429(t *testing.T) {
	ms := store.NewMemoryStore()
	t.Cleanup(func() { _ = ms.Close() })

	ctrl, err := admission.NewController([]admission.Rule{{
		Class:        "read",
		MaxRequests:  60,
		Window:       time.Minute,
		Burst:        1,
		DegradedMode: admission.DegradedFailClosed,
	}}, ms)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	reg, err := registry.New(map[string][]registry.Role{
		"prompts:read": {registry.RoleOrgMember},
	})
	require.NoError(t, err)

	gw, err := gate.NewGateway(reg, []gate.Binding{{
		Preset: &policy.Preset{
			Name:               "prompt-read",
			RequiredRoles:      []registry.Role{registry.RoleOrgMember},
			RequiredPermission: "prompts:read",
		},
	}}, gate.WithAdmission(ctrl))
	require.NoError(t, err)

	guard := NewGuard(gw, nil)
	handler := guard.Protect(Route{PresetName: "prompt-read", EndpointClass: "read"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, memberContextRequest("/prompts/1"))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, memberContextRequest("/prompts/1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	retryAfter := w.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.NotEqual(t, "0", retryAfter)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Too many requests", body["error"])
}

func TestGuard_PathParams(t *testing.T) {
	reg, err := registry.New(map[string][]registry.Role{
		"prompts:read": {registry.RoleOrgMember},
	})
	require.NoError(t, err)

	var gotID string
	gw, err := gate.NewGateway(reg, []gate.Binding{{
		Preset: &policy.Preset{
			Name:          "prompt-read",
			RequiredRoles: []registry.Role{registry.RoleOrgMember},
		},
	}})
	require.NoError(t, err)

	guard := NewGuard(gw, nil)
	handler := guard.Protect(Route{
		PresetName: "prompt-read",
		Params: func(r *http.Request) map[string]string {
			gotID = "p-7"
			return map[string]string{"id": "p-7"}
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), memberContextRequest("/prompts/p-7"))
	assert.Equal(t, "p-7", gotID)
}

func TestWriteDecision_ZeroStatusDefaultsTo403(t *testing.T) {
	w := httptest.NewRecorder()
	writeDecision(w, policy.Decision{Outcome: policy.OutcomeDeny})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
