package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sippar-network/ck-bridge-api/types"
)

// MintCoordinator sequences the checks that gate every mint: confirmation or
// verification first, then a live replay check, then reserve backing, and
// only then the irreversible issuance call. Both entry points share the rule
// that a mint happens at most once per foreign transaction id.
type MintCoordinator struct {
	monitor  *DepositMonitor
	verifier *TransactionVerifier
	reserve  *ReserveLedger
	minting  MintingLedger
	store    Store
	logger   *slog.Logger
	metrics  *Metrics
}

type CoordinatorOpts struct {
	Monitor  *DepositMonitor
	Verifier *TransactionVerifier
	Reserve  *ReserveLedger
	Minting  MintingLedger
	Store    Store
	Logger   *slog.Logger
	Metrics  *Metrics
}

func NewMintCoordinator(opts CoordinatorOpts) *MintCoordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MintCoordinator{
		monitor:  opts.Monitor,
		verifier: opts.Verifier,
		reserve:  opts.Reserve,
		minting:  opts.Minting,
		store:    opts.Store,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// MintFromConfirmedDeposit mints for a deposit the monitor has tracked to
// its confirmation threshold. A retryable failure leaves the deposit
// confirmed so the next cycle hands it off again; only a successful mint or
// a detected replay evicts it.
func (c *MintCoordinator) MintFromConfirmedDeposit(ctx context.Context, txID string) (types.MintReceipt, error) {
	deposit, tracked := c.monitor.DepositStatus(txID)
	if !tracked {
		return types.MintReceipt{}, fmt.Errorf("%w: no tracked deposit for %s", types.ErrDepositNotFound, txID)
	}
	if deposit.Status != types.DepositConfirmed {
		return types.MintReceipt{}, fmt.Errorf("deposit %s is %s, not confirmed", txID, deposit.Status)
	}

	// Live replay check against the ledger of record. The local processed
	// set alone is not enough: another instance, or the verified swap path,
	// may have consumed the id since detection.
	processed, err := c.minting.IsDepositProcessed(ctx, txID)
	if err != nil {
		return types.MintReceipt{}, fmt.Errorf("%w: replay check for %s: %v", types.ErrTransientRemote, txID, err)
	}
	if processed {
		c.logger.Warn("confirmed deposit already minted elsewhere, evicting", "txID", txID)
		c.monitor.MarkExternallyProcessed(ctx, txID)
		return types.MintReceipt{}, fmt.Errorf("%w: deposit %s", types.ErrReplay, txID)
	}

	if ok, reason := c.reserve.CanMint(ctx, deposit.Amount); !ok {
		c.logger.Warn("mint blocked by reserve ledger", "txID", txID, "amount", deposit.Amount, "reason", reason)
		return types.MintReceipt{}, fmt.Errorf("%w: %s", types.ErrReserveInsufficient, reason)
	}

	receipt, err := c.minting.MintAfterConfirmed(ctx, txID)
	if err != nil {
		c.logger.Error("mint failed, deposit stays confirmed for retry", "txID", txID, "error", err)
		return types.MintReceipt{}, fmt.Errorf("mint for deposit %s: %w", txID, err)
	}

	c.monitor.MarkMinted(ctx, txID)
	c.logger.Info("minted confirmed deposit",
		"txID", txID, "amount", receipt.Amount, "mintTx", receipt.TxID, "block", receipt.BlockIndex)
	return receipt, nil
}

// handleConfirmedDeposit is the monitor handoff. Errors are already logged
// and the deposit keeps its confirmed status for the next cycle, so nothing
// propagates.
func (c *MintCoordinator) handleConfirmedDeposit(ctx context.Context, deposit PendingDeposit) {
	_, _ = c.MintFromConfirmedDeposit(ctx, deposit.TxID)
}

// MintFromVerifiedTransfer mints against a user-claimed transaction after
// full on-chain verification. The minted amount is the verified on-chain
// amount; the claimed amount is logged when it disagrees and otherwise
// ignored.
func (c *MintCoordinator) MintFromVerifiedTransfer(ctx context.Context, user, txID string, claimedAmount uint64, minOut *uint64) (types.MintReceipt, error) {
	verified, err := c.verifier.Verify(ctx, user, txID)
	if err != nil {
		return types.MintReceipt{}, err
	}

	if claimedAmount != 0 && claimedAmount != verified.Amount {
		c.logger.Warn("claimed amount disagrees with chain, using verified amount",
			"txID", txID, "claimed", claimedAmount, "verified", verified.Amount)
	}

	if ok, reason := c.reserve.CanMint(ctx, verified.Amount); !ok {
		c.logger.Warn("mint blocked by reserve ledger", "txID", txID, "amount", verified.Amount, "reason", reason)
		return types.MintReceipt{}, fmt.Errorf("%w: %s", types.ErrReserveInsufficient, reason)
	}

	receipt, err := c.minting.MintWithVerifiedAmount(ctx, user, verified.Amount, txID, minOut)
	if err != nil {
		return types.MintReceipt{}, fmt.Errorf("mint for verified transfer %s: %w", txID, err)
	}

	// The id is consumed forever, for both mint paths.
	c.monitor.MarkExternallyProcessed(ctx, txID)
	if err := c.store.UpsertDeposit(ctx, depositRecord(PendingDeposit{
		TxID:           txID,
		User:           user,
		CustodyAddress: verified.To,
		Amount:         verified.Amount,
		Sender:         verified.From,
		DetectedAt:     verified.Timestamp,
		Status:         types.DepositMinted,
	})); err != nil {
		c.logger.Warn("failed to persist verified mint record", "txID", txID, "error", err)
	}
	if c.metrics != nil {
		c.metrics.DepositsMinted.Inc()
	}

	c.logger.Info("minted verified transfer",
		"txID", txID, "user", user, "amount", verified.Amount, "mintTx", receipt.TxID, "block", receipt.BlockIndex)
	return receipt, nil
}
