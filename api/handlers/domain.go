package handlers

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/qeodomain/ddscored/internal/domain"
)

// TopicsHandler lists every topic the domain currently knows about
// (spec §7's user-visible-effects boundary: no key material, no
// internal handle values, ever leaves this endpoint).
func TopicsHandler(d *domain.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("listing topics", "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"topics": d.Topics()})
	}
}

// peerView is the JSON-visible shape of a domain.PeerSummary: the GUID
// prefix is hex-encoded rather than sent as a raw byte array.
type peerView struct {
	Prefix  string `json:"prefix"`
	Enabled bool   `json:"enabled"`
	Ignored bool   `json:"ignored"`
}

// PeersHandler lists every remote participant currently tracked,
// enabled or not.
func PeersHandler(d *domain.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("listing peers", "path", r.URL.Path)
		peers := d.Peers()
		views := make([]peerView, 0, len(peers))
		for _, p := range peers {
			views = append(views, peerView{
				Prefix:  hex.EncodeToString(p.Prefix[:]),
				Enabled: p.Enabled,
				Ignored: p.Ignored,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]peerView{"peers": views})
	}
}
