package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sippar-network/ck-bridge-api/types"
)

type failedRegistrationResponse struct {
	TxID           string `json:"tx_id"`
	User           string `json:"user"`
	CustodyAddress string `json:"custody_address"`
	Amount         uint64 `json:"amount"`
	Attempts       int    `json:"attempts"`
	LastAttempt    int64  `json:"last_attempt"`
	LastError      string `json:"last_error"`
}

// GET /v1/registrations/failed
func (s *Server) handleFailedRegistrationsList(w http.ResponseWriter, r *http.Request) {
	entries := s.bridge.Retry.Entries()

	out := make([]failedRegistrationResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, failedRegistrationResponse{
			TxID:           entry.Deposit.TxID,
			User:           entry.Deposit.User,
			CustodyAddress: entry.Deposit.CustodyAddress,
			Amount:         entry.Deposit.Amount,
			Attempts:       entry.Attempts,
			LastAttempt:    entry.LastAttempt.Unix(),
			LastError:      entry.LastError,
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(out),
		"entries": out,
	})
}

// DELETE /v1/registrations/failed/{txID}
//
// Operator acknowledgement that a parked registration was recovered out of
// band. The queue never drops entries on its own.
func (s *Server) handleFailedRegistrationClear(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		ERROR(w, http.StatusUnauthorized, fmt.Errorf("operator authorization required"))
		return
	}

	txID := chi.URLParam(r, "txID")
	if txID == "" {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("txID is required"))
		return
	}

	if !s.bridge.Retry.Clear(r.Context(), txID) {
		ERROR(w, http.StatusNotFound, fmt.Errorf("%w: no queued registration for %s", types.ErrDepositNotFound, txID))
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"cleared": txID})
}
