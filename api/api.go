// Package api exposes the introspection HTTP endpoint named in spec §A:
// read-only visibility into a running domain's topics and tracked
// remote participants, plus the persisted handshake audit trail,
// following the teacher's own thin ServeMux-plus-handlers style
// (api/handlers/rvinfo.go, api/handlers/devices.go).
package api

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/qeodomain/ddscored/api/handlers"
	"github.com/qeodomain/ddscored/internal/domain"
	"github.com/qeodomain/ddscored/internal/store"
)

// Router registers the introspection routes against a *http.ServeMux.
type Router struct {
	domain  *domain.Domain
	db      *store.DB
	limiter *rate.Limiter
}

// NewRouter creates a Router. limiter throttles every request this
// router serves (spec §A: the introspection endpoint is read-mostly,
// but repeated handshake-history queries against the store must not be
// allowed to starve it).
func NewRouter(d *domain.Domain, db *store.DB, limiter *rate.Limiter) *Router {
	return &Router{domain: d, db: db, limiter: limiter}
}

// RegisterRoutes wires every handler onto mux.
func (rt *Router) RegisterRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.Handle("GET /health", rt.throttle(handlers.HealthHandler()))
	mux.Handle("GET /domain/topics", rt.throttle(handlers.TopicsHandler(rt.domain)))
	mux.Handle("GET /domain/peers", rt.throttle(handlers.PeersHandler(rt.domain)))
	mux.Handle("GET /handshakes", rt.throttle(handlers.HandshakesHandler(rt.db)))
	return mux
}

// throttle rejects a request with 429 once the limiter's token bucket
// is exhausted, rather than letting every handler reimplement its own
// rate check.
func (rt *Router) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.limiter != nil && !rt.limiter.Allow() {
			slog.Debug("request throttled", "path", r.URL.Path)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
