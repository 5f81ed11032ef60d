// Package api serves the management REST surface (spec.md §6): reading
// and replacing the devices/mappings document, triggering a hot reload
// of backend adapters, reporting the resource manager's lock table, and
// streaming structured logs over a websocket.
package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/config"
)

// Middleware wraps handlers with API-key authentication and a per-request
// ID, grounded on the teacher's internal/api.Middleware.
type Middleware struct {
	cfg config.APIConfig
	log zerolog.Logger
}

// NewMiddleware builds a Middleware from the management API's settings.
func NewMiddleware(cfg config.APIConfig, log zerolog.Logger) *Middleware {
	return &Middleware{cfg: cfg, log: log.With().Str("component", "api").Logger()}
}

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// RequestIDFromContext returns the request ID RequireAuth assigned, or
// "" outside of a request handled through it.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequireAuth checks the X-API-Key header against the configured key
// when auth is enabled, and tags the request with a fresh request ID
// either way.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID))
		w.Header().Set("X-Request-ID", reqID)

		if !m.cfg.AuthEnabled {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}
		if apiKey == "" || apiKey != m.cfg.APIKey {
			m.log.Warn().Str("request_id", reqID).Str("path", r.URL.Path).Msg("rejected: missing or invalid API key")
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// LimitRequestBody caps the request body at the configured size, so a
// malformed or hostile POST /api/config body can't exhaust memory
// decoding it.
func (m *Middleware) LimitRequestBody(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.cfg.MaxRequestBodySize)
		}
		next(w, r)
	}
}

// CORS sets CORS headers for r and reports whether it fully handled a
// preflight OPTIONS request (the caller should return without invoking
// the wrapped handler in that case).
func (m *Middleware) CORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowed := len(m.cfg.AllowedOrigins) == 0
	allowedOrigin := origin
	for _, o := range m.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			allowedOrigin = origin
			break
		}
	}
	if !allowed {
		m.log.Warn().Str("origin", origin).Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Allow-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

// Secure chains CORS, request body limiting, and RequireAuth around a
// handler that can mutate state (POST /api/config, POST /api/reload).
func (m *Middleware) Secure(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		m.LimitRequestBody(m.RequireAuth(next))(w, r)
	}
}

// ReadOnly chains CORS and RequireAuth around a handler that only reads
// state (GET /api/admin/locks).
func (m *Middleware) ReadOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		m.RequireAuth(next)(w, r)
	}
}
