package models

// Deposit is the durable audit record of a custody deposit. One document per
// transaction id; status transitions are updated in place.
type Deposit struct {
	RecordID              string `json:"record_id" bson:"record_id"`
	TxID                  string `json:"tx_id" bson:"tx_id"`
	User                  string `json:"user" bson:"user"`
	CustodyAddress        string `json:"custody_address" bson:"custody_address"`
	Sender                string `json:"sender" bson:"sender"`
	Amount                uint64 `json:"amount" bson:"amount"`
	Round                 uint64 `json:"round" bson:"round"`
	Confirmations         uint64 `json:"confirmations" bson:"confirmations"`
	RequiredConfirmations uint64 `json:"required_confirmations" bson:"required_confirmations"`
	Status                string `json:"status" bson:"status"`
	DetectedAt            int64  `json:"detected_at" bson:"detected_at"`
	UpdatedAt             int64  `json:"updated_at" bson:"updated_at"`
}
