package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type swapExecuteRequest struct {
	User   string  `json:"user"`
	TxID   string  `json:"tx_id"`
	Amount uint64  `json:"amount"`
	MinOut *uint64 `json:"min_out,omitempty"`
}

// POST /v1/swap/execute
//
// Mints against a user-claimed deposit transaction after full on-chain
// verification. The claimed amount is advisory only; the minted amount is
// whatever the chain says the transaction carried.
func (s *Server) handleSwapExecute(w http.ResponseWriter, r *http.Request) {
	var req swapExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.User == "" || req.TxID == "" {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("user and tx_id are required"))
		return
	}

	receipt, err := s.bridge.Coordinator.MintFromVerifiedTransfer(r.Context(), req.User, req.TxID, req.Amount, req.MinOut)
	if err != nil {
		ERROR(w, statusFromError(err), err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"tx_id":       req.TxID,
		"minted":      receipt.Amount,
		"mint_tx_id":  receipt.TxID,
		"block_index": receipt.BlockIndex,
	})
}
