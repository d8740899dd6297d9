package types

import "errors"

// Error taxonomy shared by the bridge core and the remote clients. Callers
// match with errors.Is; wrapped messages carry the specific reason.
var (
	// ErrTransientRemote marks network or timeout failures on any external
	// call. Retryable.
	ErrTransientRemote = errors.New("transient remote error")

	// ErrRegistrationConflict means the deposit is already registered with
	// the minting ledger. Treated as success to stay idempotent.
	ErrRegistrationConflict = errors.New("deposit already registered")

	// ErrVerificationRejected means the claimed transaction is missing, of
	// the wrong kind, sent to the wrong destination, or replayed. Never
	// retried with the same transaction id.
	ErrVerificationRejected = errors.New("verification rejected")

	// ErrReserveInsufficient means the mint was blocked by the reserve
	// ledger at this moment.
	ErrReserveInsufficient = errors.New("insufficient reserves")

	// ErrReplay means the transaction id has already produced a mint.
	ErrReplay = errors.New("transaction already processed")

	// ErrDepositNotFound means no tracked or recorded deposit matches the
	// transaction id.
	ErrDepositNotFound = errors.New("deposit not found")

	// ErrUnauthorized means the caller lacks the operator credential for a
	// protected action.
	ErrUnauthorized = errors.New("unauthorized")
)
