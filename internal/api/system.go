package api

import (
	"net/http"
)

// handleHealth returns the controller health status.
//
// GET /api/v1/health
//
// The response always carries the server's own status and version.
// When a health aggregator is wired, per-component statuses are
// included; when the relay bus is wired, its connection state and
// counters are included.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"version":  s.version,
		"kiosk_id": s.kioskID,
	}

	if s.health != nil {
		components := s.health(r.Context())
		resp["components"] = components
		for _, status := range components {
			if status != "ok" {
				resp["status"] = "degraded"
			}
		}
	}

	if s.bus != nil {
		stats := s.bus.Stats()
		resp["bus"] = map[string]any{
			"connected":     s.bus.IsConnected(),
			"frames_tx":     stats.FramesTx,
			"frames_rx":     stats.FramesRx,
			"retries":       stats.Retries,
			"reopens":       stats.Reopens,
			"errors_total":  stats.ErrorsTotal,
			"last_activity": stats.LastActivity,
		}
	}

	if s.events != nil {
		busStats := s.events.Stats()
		resp["event_bus"] = map[string]any{
			"published":   busStats.Published,
			"dropped":     busStats.Dropped,
			"subscribers": busStats.Subscribers,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
