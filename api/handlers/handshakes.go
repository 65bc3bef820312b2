package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/qeodomain/ddscored/internal/store"
)

// HandshakesHandler lists the persisted PSMP handshake audit trail
// (spec §B), optionally filtered by the `peer` query parameter
// (hex-encoded GUID prefix).
func HandshakesHandler(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("listing handshakes", "path", r.URL.Path)
		filters := map[string]interface{}{}
		if peer := r.URL.Query().Get("peer"); peer != "" {
			filters["peer_prefix"] = peer
		}
		rows, err := db.ListHandshakes(filters)
		if err != nil {
			slog.Debug("error listing handshakes", "error", err)
			http.Error(w, "error listing handshakes", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]store.HandshakeAudit{"handshakes": rows})
	}
}
