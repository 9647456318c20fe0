package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jpark-fin/bankops/internal/domain"
	"github.com/jpark-fin/bankops/internal/events"
	"github.com/jpark-fin/bankops/internal/store"
)

// reconcileTolerance absorbs rounding only; real drift must surface.
var reconcileTolerance = decimal.RequireFromString("0.01")

// LedgerEngine owns the double-entry log and its balance projection.
type LedgerEngine struct {
	store     store.Datastore
	publisher events.Publisher
	logger    zerolog.Logger

	now func() time.Time
}

// NewLedgerEngine wires the ledger engine.
func NewLedgerEngine(ds store.Datastore, publisher events.Publisher, logger zerolog.Logger) *LedgerEngine {
	return &LedgerEngine{
		store:     ds,
		publisher: publisher,
		logger:    logger.With().Str("component", "ledger").Logger(),
		now:       time.Now,
	}
}

// PostEntryInput describes one ledger leg to append.
type PostEntryInput struct {
	TransactionID string
	AccountID     int64
	AccountNumber string
	EntryType     domain.EntryType
	Amount        decimal.Decimal
	Description   string
	ReferenceID   string
}

// PostEntry appends a single entry in its own storage transaction and
// publishes the posted fact. Used by the standalone ledger API; the transfer
// engine uses PostEntryTx inside its own transaction instead.
func (e *LedgerEngine) PostEntry(ctx context.Context, in PostEntryInput) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		var txErr error
		entry, txErr = e.PostEntryTx(ctx, tx, in)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	if err := e.publisher.Publish(ctx, domain.TopicLedgerEvents, domain.NewLedgerEntryPosted(entry)); err != nil {
		e.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to publish ledger event")
	}
	return entry, nil
}

// PostEntryTx appends an entry and moves the balance projection inside the
// caller's transaction. The caller is expected to already hold the relevant
// account lock; no additional lock is taken here beyond the projection's own
// row lock.
func (e *LedgerEngine) PostEntryTx(ctx context.Context, tx store.Tx, in PostEntryInput) (*domain.LedgerEntry, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("entry amount %s: %w", in.Amount, domain.ErrInvalidAmount)
	}

	balance, err := e.balanceForUpdate(ctx, tx, in.AccountID, in.AccountNumber)
	if err != nil {
		return nil, err
	}

	var newBalance decimal.Decimal
	switch in.EntryType {
	case domain.EntryDebit:
		newBalance = balance.Balance.Sub(in.Amount)
		if newBalance.IsNegative() {
			return nil, fmt.Errorf("account %s: debit of %s: %w",
				in.AccountNumber, in.Amount, domain.ErrInsufficientBalance)
		}
	case domain.EntryCredit:
		newBalance = balance.Balance.Add(in.Amount)
	default:
		return nil, fmt.Errorf("unknown entry type %q", in.EntryType)
	}

	entry := &domain.LedgerEntry{
		TransactionID: in.TransactionID,
		AccountID:     in.AccountID,
		AccountNumber: in.AccountNumber,
		EntryType:     in.EntryType,
		Amount:        in.Amount,
		BalanceAfter:  newBalance,
		Description:   in.Description,
		ReferenceID:   in.ReferenceID,
		Status:        domain.EntryActive,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return nil, err
	}

	now := e.now()
	balance.Balance = newBalance
	balance.AvailableBalance = newBalance.Sub(balance.FrozenAmount)
	balance.LastTransactionID = in.TransactionID
	balance.LastTransactionAt = &now
	if err := tx.UpdateBalance(ctx, balance); err != nil {
		return nil, err
	}

	entriesPosted.WithLabelValues(string(in.EntryType)).Inc()
	return entry, nil
}

// balanceForUpdate loads the locked projection, lazily creating a
// zero-balance row on an account's first entry.
func (e *LedgerEngine) balanceForUpdate(ctx context.Context, tx store.Tx, accountID int64, accountNumber string) (*domain.AccountBalance, error) {
	balance, err := tx.GetBalanceForUpdate(ctx, accountID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}

	balance = &domain.AccountBalance{
		AccountID:        accountID,
		AccountNumber:    accountNumber,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		FrozenAmount:     decimal.Zero,
	}
	if err := tx.InsertBalance(ctx, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// ReverseEntry undoes an ACTIVE entry: a new offsetting entry is appended,
// the original is flipped to REVERSED, and the projection moves by the
// original amount in the original's favor. The original row's amount and
// type are never edited.
func (e *LedgerEngine) ReverseEntry(ctx context.Context, entryID int64, reason, actor string) (*domain.LedgerEntry, error) {
	if reason == "" {
		reason = "Manual reversal"
	}

	var original, reversal *domain.LedgerEntry
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		original, err = tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if original.Status != domain.EntryActive {
			return fmt.Errorf("entry %d is %s: %w", entryID, original.Status, domain.ErrNotReversible)
		}

		reversal, err = e.PostEntryTx(ctx, tx, PostEntryInput{
			TransactionID: original.TransactionID,
			AccountID:     original.AccountID,
			AccountNumber: original.AccountNumber,
			EntryType:     original.EntryType.Opposite(),
			Amount:        original.Amount,
			Description:   "Reversal: " + original.Description,
			ReferenceID:   fmt.Sprintf("%d", original.ID),
		})
		if err != nil {
			return err
		}

		return tx.MarkEntryReversed(ctx, original.ID, actor, reason)
	})
	if err != nil {
		return nil, err
	}

	if err := e.publisher.Publish(ctx, domain.TopicLedgerEvents, domain.NewLedgerEntryReversed(original, reversal, reason)); err != nil {
		e.logger.Error().Err(err).Int64("entry_id", original.ID).Msg("failed to publish reversal event")
	}

	e.logger.Info().
		Int64("original_entry_id", original.ID).
		Int64("reversal_entry_id", reversal.ID).
		Str("reason", reason).
		Msg("ledger entry reversed")
	return reversal, nil
}

// AdjustmentInput describes a signed manual balance adjustment.
type AdjustmentInput struct {
	AccountID     int64
	AccountNumber string
	Amount        decimal.Decimal
	Description   string
}

// AdjustBalance applies a signed correction to the projection, recording it
// as a synthetic ledger entry so the audit trail stays complete.
func (e *LedgerEngine) AdjustBalance(ctx context.Context, in AdjustmentInput) (*domain.AccountBalance, error) {
	if in.Amount.IsZero() {
		return nil, fmt.Errorf("zero adjustment: %w", domain.ErrInvalidAmount)
	}

	description := in.Description
	if description == "" {
		description = "Balance adjustment"
	}
	transactionID := fmt.Sprintf("ADJ_%d", e.now().UnixMilli())

	entryType := domain.EntryCredit
	if in.Amount.IsNegative() {
		entryType = domain.EntryDebit
	}

	var balance *domain.AccountBalance
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := e.PostEntryTx(ctx, tx, PostEntryInput{
			TransactionID: transactionID,
			AccountID:     in.AccountID,
			AccountNumber: in.AccountNumber,
			EntryType:     entryType,
			Amount:        in.Amount.Abs(),
			Description:   description,
			ReferenceID:   "ADJUSTMENT",
		}); err != nil {
			return err
		}

		var err error
		balance, err = tx.GetBalanceForUpdate(ctx, in.AccountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := e.publisher.Publish(ctx, domain.TopicLedgerEvents, domain.NewBalanceAdjusted(balance, in.Amount, transactionID)); err != nil {
		e.logger.Error().Err(err).Str("account", in.AccountNumber).Msg("failed to publish adjustment event")
	}
	return balance, nil
}

// Reconcile derives the ledger balance from the entry log and compares it
// against the stored projection. REVERSED entries stay in the sum: a
// reversal pair cancels arithmetically, so only CANCELLED entries are
// excluded. Read-only: drift is reported, never fixed.
func (e *LedgerEngine) Reconcile(ctx context.Context, accountID int64) (*domain.ReconciliationReport, error) {
	balance, err := e.store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ledgerBalance := decimal.Zero
	for _, status := range []domain.EntryStatus{domain.EntryActive, domain.EntryReversed} {
		credits, err := e.store.SumEntries(ctx, accountID, domain.EntryCredit, status)
		if err != nil {
			return nil, err
		}
		debits, err := e.store.SumEntries(ctx, accountID, domain.EntryDebit, status)
		if err != nil {
			return nil, err
		}
		ledgerBalance = ledgerBalance.Add(credits).Sub(debits)
	}
	difference := balance.Balance.Sub(ledgerBalance)

	return &domain.ReconciliationReport{
		AccountID:      accountID,
		AccountNumber:  balance.AccountNumber,
		LedgerBalance:  ledgerBalance,
		AccountBalance: balance.Balance,
		Difference:     difference,
		IsReconciled:   difference.Abs().LessThan(reconcileTolerance),
		ReconciledAt:   e.now(),
	}, nil
}

// Summary aggregates an account's entries across statuses.
func (e *LedgerEngine) Summary(ctx context.Context, accountID int64) (*domain.LedgerSummary, error) {
	credits, err := e.store.SumEntries(ctx, accountID, domain.EntryCredit, domain.EntryActive)
	if err != nil {
		return nil, err
	}
	debits, err := e.store.SumEntries(ctx, accountID, domain.EntryDebit, domain.EntryActive)
	if err != nil {
		return nil, err
	}
	active, err := e.store.CountEntries(ctx, accountID, domain.EntryActive)
	if err != nil {
		return nil, err
	}
	reversed, err := e.store.CountEntries(ctx, accountID, domain.EntryReversed)
	if err != nil {
		return nil, err
	}

	return &domain.LedgerSummary{
		TotalEntries:    active + reversed,
		ActiveEntries:   active,
		ReversedEntries: reversed,
		TotalDebits:     debits,
		TotalCredits:    credits,
		NetBalance:      credits.Sub(debits),
	}, nil
}

// Entries lists an account's entries, newest first.
func (e *LedgerEngine) Entries(ctx context.Context, accountID int64, f store.EntryFilter) ([]*domain.LedgerEntry, error) {
	return e.store.ListEntries(ctx, accountID, f)
}

// Balance returns the stored projection for an account.
func (e *LedgerEngine) Balance(ctx context.Context, accountID int64) (*domain.AccountBalance, error) {
	return e.store.GetBalance(ctx, accountID)
}
