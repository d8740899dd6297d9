package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sippar-network/ck-bridge-api/algorand"
	"github.com/sippar-network/ck-bridge-api/types"
)

// VerifiedTransfer is the result of checking a user-claimed transaction
// against the foreign ledger. Amount is always the on-chain value; whatever
// the caller claimed is irrelevant once verification passes.
type VerifiedTransfer struct {
	TxID      string
	Verified  bool
	Amount    uint64 // microAlgo, read from the ledger
	From      string
	To        string
	Timestamp time.Time
	Reason    string
}

// TransactionVerifier validates claimed deposits against the foreign ledger
// before any mint. Every check re-reads live state at mint time; nothing from
// the claim is trusted.
type TransactionVerifier struct {
	ledger   ForeignLedger
	minting  MintingLedger
	resolver *CustodyAddressResolver
	logger   *slog.Logger
	metrics  *Metrics
}

type VerifierOpts struct {
	Ledger   ForeignLedger
	Minting  MintingLedger
	Resolver *CustodyAddressResolver
	Logger   *slog.Logger
	Metrics  *Metrics
}

func NewTransactionVerifier(opts VerifierOpts) *TransactionVerifier {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TransactionVerifier{
		ledger:   opts.Ledger,
		minting:  opts.Minting,
		resolver: opts.Resolver,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Verify checks a claimed deposit transaction for a user. The order matters:
// the replay check against the minting ledger runs first so an already
// consumed id is rejected before any chain lookup, then the transaction must
// exist, be a finalized payment, and pay the user's own custody address.
//
// Failures split into rejections (the claim is wrong) and transient errors
// (the answer is unknown); a transient error must never be converted into a
// rejection, and certainly never into an approval.
func (v *TransactionVerifier) Verify(ctx context.Context, user, txID string) (VerifiedTransfer, error) {
	processed, err := v.minting.IsDepositProcessed(ctx, txID)
	if err != nil {
		return VerifiedTransfer{}, fmt.Errorf("%w: replay check for %s: %v", types.ErrTransientRemote, txID, err)
	}
	if processed {
		v.logger.Warn("rejected replayed transaction", "txID", txID, "user", user)
		return VerifiedTransfer{}, fmt.Errorf("%w: transaction %s already consumed", types.ErrReplay, txID)
	}

	derived, err := v.resolver.Resolve(ctx, user)
	if err != nil {
		return VerifiedTransfer{}, err
	}

	transfer, err := v.ledger.TransferByID(ctx, txID)
	if err != nil {
		if errors.Is(err, algorand.ErrNotFound) {
			return v.reject(txID, user, "transaction not found on chain")
		}
		return VerifiedTransfer{}, err
	}

	if transfer.Type != "pay" {
		return v.reject(txID, user, fmt.Sprintf("transaction type %q is not a payment", transfer.Type))
	}
	if transfer.ConfirmedRound == 0 {
		return v.reject(txID, user, "transaction is not finalized")
	}
	// Exact match only. Prefix matches or normalized comparisons would let a
	// crafted address pass.
	if transfer.Receiver != derived.Address {
		return v.reject(txID, user, fmt.Sprintf("receiver %s is not the custody address for this user", transfer.Receiver))
	}
	if transfer.Amount == 0 {
		return v.reject(txID, user, "transaction carries no value")
	}

	v.logger.Info("verified deposit transaction",
		"txID", txID, "user", user, "amount", transfer.Amount, "round", transfer.ConfirmedRound)

	return VerifiedTransfer{
		TxID:      txID,
		Verified:  true,
		Amount:    transfer.Amount,
		From:      transfer.Sender,
		To:        transfer.Receiver,
		Timestamp: time.Unix(int64(transfer.RoundTime), 0),
	}, nil
}

func (v *TransactionVerifier) reject(txID, user, reason string) (VerifiedTransfer, error) {
	if v.metrics != nil {
		v.metrics.VerificationRejections.Inc()
	}
	v.logger.Warn("rejected claimed transaction", "txID", txID, "user", user, "reason", reason)
	return VerifiedTransfer{TxID: txID, Reason: reason},
		fmt.Errorf("%w: %s", types.ErrVerificationRejected, reason)
}
