// Package middleware adapts gate decisions to net/http: it builds
// gate requests from incoming HTTP requests and maps decisions to
// status codes and generic error bodies that never leak policy
// detail.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/promptforge/gatekeeper/internal/gate"
	"github.com/promptforge/gatekeeper/internal/observability"
	"github.com/promptforge/gatekeeper/internal/policy"
	"github.com/promptforge/gatekeeper/internal/principal"
)

const headerBreakGlass = "X-Break-Glass"

// ParamsFunc extracts path parameters from a request. Routers differ
// in how they expose params, so the extraction is injected.
type ParamsFunc func(r *http.Request) map[string]string

// Route describes the guard configuration for one endpoint.
type Route struct {
	PresetName    string
	EndpointClass string
	Params        ParamsFunc
}

// Guard wraps a handler with a gateway check. The principal is taken
// from the request context when the authentication layer has put one
// there; otherwise the caller is treated as anonymous, keyed by
// client IP.
type Guard struct {
	gateway   *gate.Gateway
	extractor *ClientIPExtractor
	logger    observability.Logger
}

// GuardOption is a functional option for the guard.
type GuardOption func(*Guard)

// WithLogger sets the operational logger.
func WithLogger(l observability.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = l
	}
}

// NewGuard creates a guard over the gateway.
func NewGuard(gw *gate.Gateway, extractor *ClientIPExtractor, opts ...GuardOption) *Guard {
	if extractor == nil {
		extractor = NewClientIPExtractor(nil)
	}
	g := &Guard{
		gateway:   gw,
		extractor: extractor,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Protect returns middleware enforcing the route's preset.
func (g *Guard) Protect(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := &gate.Request{
				PresetName:          route.PresetName,
				EndpointClass:       route.EndpointClass,
				BreakGlassRequested: r.Header.Get(headerBreakGlass) == "true",
				IP:                  g.extractor.Extract(r),
				UserAgent:           r.UserAgent(),
			}
			if p, ok := principal.FromContext(r.Context()); ok {
				req.Principal = p
			}
			if route.Params != nil {
				req.PathParams = route.Params(r)
			}

			d := g.gateway.Check(r.Context(), req)
			if !d.Allowed() {
				writeDecision(w, d)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// errorBody is the generic JSON error payload. It carries only the
// client-safe message, never reason codes or policy names.
type errorBody struct {
	Error string `json:"error"`
}

// writeDecision maps a deny decision onto the HTTP response.
func writeDecision(w http.ResponseWriter, d policy.Decision) {
	status := d.HTTPStatus
	if status == 0 {
		status = http.StatusForbidden
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	if status == http.StatusTooManyRequests && d.RetryAfter > 0 {
		seconds := int(d.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: d.ClientMessage()})
}
