package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/gwerr"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/keys"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/database"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/logger"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// KeyStore resolves bearer secrets to API keys
type KeyStore interface {
	LookupBySecret(ctx context.Context, secret string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string, t time.Time) error
}

type contextKey struct{ name string }

var apiKeyContextKey = &contextKey{"api_key"}

// APIKeyFromContext returns the key attached by AuthMiddleware
func APIKeyFromContext(ctx context.Context) (*models.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*models.APIKey)
	return key, ok
}

func withAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

type Middleware struct {
	keys       KeyStore
	adminToken string
	metrics    *metrics.Metrics
}

func NewMiddleware(keys KeyStore, adminToken string, m *metrics.Metrics) *Middleware {
	return &Middleware{
		keys:       keys,
		adminToken: adminToken,
		metrics:    m,
	}
}

// AuthMiddleware validates API keys. Inactive keys are rejected here, before
// any policy state is touched.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, ok := keys.ParseBearer(r.Header.Get("Authorization"))
		if !ok {
			gwerr.Write(w, gwerr.New(gwerr.AuthMissing, "missing or malformed bearer credential"))
			return
		}

		apiKey, err := m.keys.LookupBySecret(r.Context(), secret)
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				logger.FromContext(r.Context()).Error("api key lookup failed", zap.Error(err))
			}
			gwerr.Write(w, gwerr.New(gwerr.AuthInvalid, "invalid API key"))
			return
		}
		if !apiKey.IsActive {
			gwerr.Write(w, gwerr.New(gwerr.AuthInvalid, "API key is inactive"))
			return
		}

		next.ServeHTTP(w, r.WithContext(withAPIKey(r.Context(), apiKey)))
	})
}

// AdminMiddleware guards the admin routes with the configured admin token
func (m *Middleware) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminToken == "" {
			gwerr.Write(w, gwerr.New(gwerr.AuthInvalid, "admin API is disabled"))
			return
		}

		token, ok := keys.ParseBearer(r.Header.Get("Authorization"))
		if !ok {
			gwerr.Write(w, gwerr.New(gwerr.AuthMissing, "missing or malformed bearer credential"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) != 1 {
			gwerr.Write(w, gwerr.New(gwerr.AuthInvalid, "invalid admin token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers",
			"X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After, X-Latency-Ms, X-Cost-USD")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Flush keeps streamed responses flowing through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.wroteHeader = true
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// MetricsMiddleware records HTTP metrics for each request
func (m *Middleware) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		routePattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			routePattern = rctx.RoutePattern()
		}
		if routePattern == "" {
			routePattern = r.URL.Path
		}

		m.metrics.RecordHTTPRequest(r.Method, routePattern, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}
