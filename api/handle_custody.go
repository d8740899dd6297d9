package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type custodyAddressRequest struct {
	User string `json:"user"`
}

// POST /v1/custody/address
//
// Resolves (or derives) the custody address for a user and starts monitoring
// it for deposits. Idempotent: re-posting the same user returns the same
// address.
func (s *Server) handleCustodyAddress(w http.ResponseWriter, r *http.Request) {
	var req custodyAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.User == "" {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("user is required"))
		return
	}

	derived, err := s.bridge.Monitor.RegisterAddress(r.Context(), req.User)
	if err != nil {
		ERROR(w, statusFromError(err), err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user":       req.User,
		"address":    derived.Address,
		"public_key": derived.PublicKey,
	})
}
