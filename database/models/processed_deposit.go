package models

// ProcessedDeposit marks a transaction id as consumed. Loaded at startup so a
// restart cannot double-track a historical deposit.
type ProcessedDeposit struct {
	TxID        string `json:"tx_id" bson:"tx_id"`
	ProcessedAt int64  `json:"processed_at" bson:"processed_at"`
}
