package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sippar-network/ck-bridge-api/bridge"
	"github.com/sippar-network/ck-bridge-api/types"
	"go.mongodb.org/mongo-driver/mongo"
)

type depositResponse struct {
	TxID                  string `json:"tx_id"`
	User                  string `json:"user"`
	CustodyAddress        string `json:"custody_address"`
	Sender                string `json:"sender,omitempty"`
	Amount                uint64 `json:"amount"`
	Round                 uint64 `json:"round,omitempty"`
	Confirmations         uint64 `json:"confirmations"`
	RequiredConfirmations uint64 `json:"required_confirmations"`
	Status                string `json:"status"`
}

func trackedDeposit(deposit bridge.PendingDeposit) depositResponse {
	return depositResponse{
		TxID:                  deposit.TxID,
		User:                  deposit.User,
		CustodyAddress:        deposit.CustodyAddress,
		Sender:                deposit.Sender,
		Amount:                deposit.Amount,
		Round:                 deposit.Round,
		Confirmations:         deposit.Confirmations,
		RequiredConfirmations: deposit.RequiredConfirmations,
		Status:                string(deposit.Status),
	}
}

// GET /v1/deposits/{txID}
//
// A deposit only ever reads as minted once the minting ledger acknowledged
// the mint; anything still in flight reports its live confirmation count.
func (s *Server) handleDepositGet(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	if txID == "" {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("txID is required"))
		return
	}

	if deposit, tracked := s.bridge.Monitor.DepositStatus(txID); tracked {
		JSON(w, http.StatusOK, trackedDeposit(deposit))
		return
	}

	// Not in memory: fall back to the audit record for minted or evicted
	// deposits.
	record, err := s.db.GetDeposit(r.Context(), txID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			ERROR(w, http.StatusNotFound, fmt.Errorf("%w: %s", types.ErrDepositNotFound, txID))
			return
		}
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, depositResponse{
		TxID:                  record.TxID,
		User:                  record.User,
		CustodyAddress:        record.CustodyAddress,
		Sender:                record.Sender,
		Amount:                record.Amount,
		Round:                 record.Round,
		Confirmations:         record.Confirmations,
		RequiredConfirmations: record.RequiredConfirmations,
		Status:                record.Status,
	})
}

// GET /v1/deposits?user=<identity>
func (s *Server) handleDepositsList(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("user query parameter is required"))
		return
	}

	tracked := s.bridge.Monitor.PendingForUser(user)
	deposits := make([]depositResponse, 0, len(tracked))
	seen := make(map[string]struct{}, len(tracked))
	for _, deposit := range tracked {
		deposits = append(deposits, trackedDeposit(deposit))
		seen[deposit.TxID] = struct{}{}
	}

	records, err := s.db.GetDepositsByUser(r.Context(), user)
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}
	for _, record := range records {
		if _, dup := seen[record.TxID]; dup {
			continue
		}
		deposits = append(deposits, depositResponse{
			TxID:                  record.TxID,
			User:                  record.User,
			CustodyAddress:        record.CustodyAddress,
			Sender:                record.Sender,
			Amount:                record.Amount,
			Round:                 record.Round,
			Confirmations:         record.Confirmations,
			RequiredConfirmations: record.RequiredConfirmations,
			Status:                record.Status,
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user":     user,
		"deposits": deposits,
	})
}
