package api

import (
	"net/http"
)

// GET /v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.bridge.Monitor.Stats()
	reserves := s.bridge.Reserve.Latest()

	JSON(w, http.StatusOK, map[string]interface{}{
		"health_status":  "online",
		"monitor":        stats,
		"reserve_status": reserves.HealthStatus,
		"reserve_ratio":  reserves.ReserveRatio,
		"paused":         reserves.EmergencyPaused,
	})
}
