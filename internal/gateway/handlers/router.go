package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readyTimeout = 3 * time.Second

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router bundles everything the HTTP surface needs
type Router struct {
	Middleware *Middleware
	Chat       *ChatHandler
	Models     *ModelsHandler
	Admin      *AdminHandler // nil disables /admin

	// Ready lists the dependencies reported by /ready, by name
	Ready map[string]Pinger

	// Gatherer backs /metrics; nil skips the endpoint
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// NewRouter builds the chi router. No request timeout is applied to the
// chat route; backend calls run until they finish or the client goes away.
func NewRouter(rt Router) http.Handler {
	log := rt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mw := rt.Middleware

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.MetricsMiddleware)
	r.Use(mw.CORSMiddleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Ollama Key Gateway"})
	})

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(rt.Ready))
		for name, p := range rt.Ready {
			if err := p.Ping(ctx); err != nil {
				log.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(w, status, checks)
	})

	if rt.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes (with auth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.AuthMiddleware)

		r.Post("/chat/completions", rt.Chat.HandleChatCompletion)
		r.Get("/models", rt.Models.HandleListModels)
	})

	if rt.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(mw.AdminMiddleware)
			r.Use(chimiddleware.Timeout(30 * time.Second))

			r.Post("/keys", rt.Admin.HandleCreateKey)
			r.Get("/keys/{id}", rt.Admin.HandleGetKey)
			r.Post("/keys/{id}/activate", rt.Admin.HandleSetKeyActive(true))
			r.Post("/keys/{id}/deactivate", rt.Admin.HandleSetKeyActive(false))
			r.Get("/keys/{id}/usage", rt.Admin.HandleKeyUsage)

			r.Get("/models", rt.Admin.HandleListModels)
			r.Post("/models", rt.Admin.HandleCreateModel)
		})
	}

	return r
}
