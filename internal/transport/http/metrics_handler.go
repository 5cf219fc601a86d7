package http

import (
	"net/http"

	"github.com/go-chi/render"

	"keygen/internal/websocket"
)

// StatsHandler reports in-process counters that are not exported as metrics
type StatsHandler struct {
	service LicenseService
	hub     *websocket.Hub
}

// NewStatsHandler creates a new stats handler. hub may be nil.
func NewStatsHandler(service LicenseService, hub *websocket.Hub) *StatsHandler {
	return &StatsHandler{service: service, hub: hub}
}

// GetStats handles GET /api/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"cache": h.service.CacheStats()}
	if h.hub != nil {
		resp["events"] = h.hub.Stats()
	}
	render.JSON(w, r, resp)
}
