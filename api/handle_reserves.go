package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GET /v1/reserves
func (s *Server) handleReservesGet(w http.ResponseWriter, r *http.Request) {
	snapshot := s.bridge.Reserve.Latest()
	if snapshot.ComputedAt.IsZero() {
		fresh, err := s.bridge.Reserve.Snapshot(r.Context())
		if err != nil {
			ERROR(w, http.StatusBadGateway, err)
			return
		}
		snapshot = fresh
	}
	JSON(w, http.StatusOK, snapshot)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/reserves/pause
func (s *Server) handleReservesPause(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		ERROR(w, http.StatusUnauthorized, fmt.Errorf("operator authorization required"))
		return
	}

	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual pause by operator"
	}

	s.bridge.Reserve.Pause(r.Context(), req.Reason)
	JSON(w, http.StatusOK, map[string]interface{}{"paused": true, "reason": req.Reason})
}

// POST /v1/reserves/unpause
//
// Clearing the pause revalidates live reserves first; the flag stays up if
// backing has not recovered.
func (s *Server) handleReservesUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Reserve.ClearPause(r.Context(), bearerToken(r)); err != nil {
		ERROR(w, statusFromError(err), err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"paused": false})
}
