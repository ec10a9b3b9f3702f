package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/gatekeeper/internal/config"
	"github.com/promptforge/gatekeeper/internal/observability"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Audit.Enabled = false
	cfg.Permissions = map[string][]string{
		"prompts.read": {"org_member", "org_manager", "org_admin"},
	}
	cfg.Presets = []config.PresetConfig{
		{
			Name:       "prompt-read",
			Roles:      []string{"org_member", "org_manager", "org_admin"},
			RequireAny: true,
			Permission: "prompts.read",
		},
		{
			Name:       "org-delete",
			Roles:      []string{"org_admin"},
			RequireAny: true,
			RequireMFA: true,
			Sensitive:  true,
		},
	}
	cfg.RateLimits = []config.RateLimitConfig{
		{
			Class:        "default-read",
			Requests:     60,
			Window:       config.Duration(time.Minute),
			Burst:        10,
			DegradedMode: "fail_open",
		},
	}
	return cfg
}

func newTestApplication(t *testing.T) *application {
	t.Helper()

	logger := observability.NopLogger()
	app := initApplication(testConfig(), cliFlags{listenAddr: "127.0.0.1:0"}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.sink.Close(ctx)
		_ = app.controller.Close()
	})
	return app
}

func doCheck(t *testing.T, app *application, payload checkPayload) (int, checkResult) {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/check", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.routes(observability.NopLogger()).ServeHTTP(rec, req)

	var result checkResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	return rec.Code, result
}

func TestHandleCheck_Allow(t *testing.T) {
	app := newTestApplication(t)

	code, result := doCheck(t, app, checkPayload{
		Principal: &principalPayload{
			ID:              "u1",
			Role:            "org_member",
			OrganizationID:  "org-1",
			SessionIssuedAt: time.Now(),
			Tier:            "pro",
		},
		Preset: "prompt-read",
		IP:     "192.0.2.1",
	})

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, result.Allowed)
	assert.Equal(t, http.StatusOK, result.Status)
}

func TestHandleCheck_DenyMFA(t *testing.T) {
	app := newTestApplication(t)

	code, result := doCheck(t, app, checkPayload{
		Principal: &principalPayload{
			ID:              "a1",
			Role:            "org_admin",
			OrganizationID:  "org-1",
			SessionIssuedAt: time.Now(),
			Tier:            "enterprise",
		},
		Preset: "org-delete",
		IP:     "192.0.2.1",
	})

	assert.Equal(t, http.StatusOK, code)
	assert.False(t, result.Allowed)
	assert.Equal(t, http.StatusForbidden, result.Status)
	assert.Equal(t, "MFA_REQUIRED", result.Reason)
	assert.Equal(t, "Insufficient permissions", result.Message)
}

func TestHandleCheck_MFAVerifiedAllows(t *testing.T) {
	app := newTestApplication(t)

	verifiedAt := time.Now().Add(-time.Minute)
	code, result := doCheck(t, app, checkPayload{
		Principal: &principalPayload{
			ID:              "a1",
			Role:            "org_admin",
			OrganizationID:  "org-1",
			MFAVerified:     true,
			MFAVerifiedAt:   verifiedAt,
			SessionIssuedAt: time.Now(),
			Tier:            "enterprise",
		},
		Preset: "org-delete",
		IP:     "192.0.2.1",
	})

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, result.Allowed)
}

func TestHandleCheck_AnonymousGets401(t *testing.T) {
	app := newTestApplication(t)

	code, result := doCheck(t, app, checkPayload{
		Preset: "prompt-read",
		IP:     "192.0.2.1",
	})

	assert.Equal(t, http.StatusOK, code)
	assert.False(t, result.Allowed)
	assert.Equal(t, http.StatusUnauthorized, result.Status)
}

func TestHandleCheck_BadRequests(t *testing.T) {
	app := newTestApplication(t)
	handler := app.routes(observability.NopLogger())

	req := httptest.NewRequest(http.MethodGet, "/v1/check", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/check", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/check", bytes.NewBufferString(`{"principal":{"id":"u1"}}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	app.routes(observability.NopLogger()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestToPrincipal(t *testing.T) {
	var none *principalPayload
	assert.Nil(t, none.toPrincipal())

	verifiedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	p := (&principalPayload{
		ID:            "u1",
		Role:          "org_member",
		Permissions:   []string{"prompts.read"},
		MFAVerified:   true,
		MFAVerifiedAt: verifiedAt,
		Tier:          "pro",
	}).toPrincipal()

	assert.Equal(t, "u1", p.ID)
	assert.Equal(t, "org_member", p.Role)
	assert.True(t, p.HasPermission("prompts.read"))
	require.NotNil(t, p.MFAVerifiedAt)
	assert.True(t, p.MFAVerifiedAt.Equal(verifiedAt))

	// A zero verification time stays unset rather than becoming a
	// pointer to the zero time.
	bare := (&principalPayload{ID: "u2", Role: "free"}).toPrincipal()
	assert.Nil(t, bare.MFAVerifiedAt)
}
