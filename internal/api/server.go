// Package api exposes the HTTP surface: monitor control, session listing and
// clip search, plus health and Prometheus metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkrz/vodhound/internal/monitor"
	"github.com/mkrz/vodhound/internal/search"
	"github.com/mkrz/vodhound/internal/store"
)

// Deps are the services the handlers dispatch to.
type Deps struct {
	Store   *store.Store
	Monitor *monitor.Manager
	Search  *search.Manager

	// RateLimitRPM caps requests per client IP per minute; 0 disables.
	RateLimitRPM int
}

// Server carries the handler dependencies.
type Server struct {
	deps Deps
}

// NewRouter builds the full route tree with the canonical middleware stack.
func NewRouter(deps Deps) *chi.Mux {
	s := &Server{deps: deps}
	r := chi.NewRouter()
	applyStack(r, deps.RateLimitRPM)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/live/status", s.handleLiveStatus)
	r.Post("/api/live/start", s.handleLiveStart)
	r.Post("/api/live/stop", s.handleLiveStop)
	r.Get("/api/live/sessions", s.handleLiveSessions)
	r.Post("/api/search/clip", s.handleSearchClip)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
