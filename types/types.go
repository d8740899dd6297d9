package types

// DepositStatus represents the different states a custody deposit can be in
type DepositStatus string

const (
	// DepositPending - Deposit is registered and waiting for confirmations
	DepositPending DepositStatus = "PENDING"

	// DepositConfirmed - Deposit reached the required confirmation depth and is awaiting mint
	DepositConfirmed DepositStatus = "CONFIRMED"

	// DepositMinted - Wrapped tokens have been issued for the deposit
	DepositMinted DepositStatus = "MINTED"

	// DepositFailed - Registration retries were exhausted, operator recovery required
	DepositFailed DepositStatus = "FAILED"
)

// HealthStatus reflects the reserve backing state of the bridge
type HealthStatus string

const (
	// ReserveHealthy - Backing ratio is at or above 1.0
	ReserveHealthy HealthStatus = "HEALTHY"

	// ReserveWarning - Backing ratio is below 1.0 but above the critical threshold
	ReserveWarning HealthStatus = "WARNING"

	// ReserveCritical - Backing ratio is below the critical threshold
	ReserveCritical HealthStatus = "CRITICAL"

	// ReservePaused - Issuance is halted, automatically or by an operator
	ReservePaused HealthStatus = "PAUSED"
)

// MintReceipt is the minting ledger's acknowledgement of a completed mint.
type MintReceipt struct {
	TxID       string `json:"tx_id"`
	Amount     uint64 `json:"amount"`
	BlockIndex uint64 `json:"block_index"`
}

// DerivedAddress is a threshold-signer derived custody address and its public key.
type DerivedAddress struct {
	Address   string `json:"address"`
	PublicKey []byte `json:"public_key"`
}
