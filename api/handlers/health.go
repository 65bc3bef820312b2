// Package handlers holds the introspection endpoint's HTTP handler
// functions, grounded on the teacher's api/handlers package (one file
// per resource, slog.Debug on entry, json.NewEncoder on success,
// http.Error with the matching status code on failure).
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HealthHandler reports liveness only; readiness (is a domain actually
// running) is implied by the process having started this router at
// all.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("health check", "method", r.Method, "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
