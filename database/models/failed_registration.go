package models

// FailedRegistration mirrors one retry-queue entry. Persisted on every state
// change so operators can inspect and recover the queue if the process is
// lost before retries exhaust.
type FailedRegistration struct {
	TxID                  string `json:"tx_id" bson:"tx_id"`
	User                  string `json:"user" bson:"user"`
	CustodyAddress        string `json:"custody_address" bson:"custody_address"`
	Sender                string `json:"sender" bson:"sender"`
	Amount                uint64 `json:"amount" bson:"amount"`
	Round                 uint64 `json:"round" bson:"round"`
	RequiredConfirmations uint64 `json:"required_confirmations" bson:"required_confirmations"`
	DetectedAt            int64  `json:"detected_at" bson:"detected_at"`
	Attempts              int    `json:"attempts" bson:"attempts"`
	LastAttempt           int64  `json:"last_attempt" bson:"last_attempt"`
	LastError             string `json:"last_error" bson:"last_error"`
}
