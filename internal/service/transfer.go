package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jpark-fin/bankops/internal/domain"
	"github.com/jpark-fin/bankops/internal/events"
	"github.com/jpark-fin/bankops/internal/idempotency"
	"github.com/jpark-fin/bankops/internal/lock"
	"github.com/jpark-fin/bankops/internal/store"
)

// Transfer amount bounds. Amounts carry 2 implied fraction digits.
var (
	minTransferAmount = decimal.RequireFromString("0.01")
	maxTransferAmount = decimal.NewFromInt(10_000_000)
)

// TransferEngine executes transfers between two accounts: idempotency check,
// ordered distributed locks, row-locked balance mutation, double-entry
// ledger append, and event emission.
type TransferEngine struct {
	store     store.Datastore
	locker    *lock.Locker
	idem      *idempotency.Store
	ledger    *LedgerEngine
	publisher events.Publisher
	logger    zerolog.Logger

	lockTTL     time.Duration
	lockMaxWait time.Duration

	now func() time.Time
}

// NewTransferEngine wires the transfer engine with its collaborators.
func NewTransferEngine(
	ds store.Datastore,
	locker *lock.Locker,
	idem *idempotency.Store,
	ledger *LedgerEngine,
	publisher events.Publisher,
	logger zerolog.Logger,
	lockTTL, lockMaxWait time.Duration,
) *TransferEngine {
	return &TransferEngine{
		store:       ds,
		locker:      locker,
		idem:        idem,
		ledger:      ledger,
		publisher:   publisher,
		logger:      logger.With().Str("component", "transfer").Logger(),
		lockTTL:     lockTTL,
		lockMaxWait: lockMaxWait,
		now:         time.Now,
	}
}

// Transfer moves req.Amount from one account to another. Replayed reports
// whether the result came from the idempotency store rather than a fresh
// execution; in both cases the result is identical.
func (e *TransferEngine) Transfer(ctx context.Context, req domain.TransferRequest) (result *domain.TransferResult, replayed bool, err error) {
	if err := validateRequest(req); err != nil {
		return nil, false, err
	}

	reservation, err := e.idem.CheckOrReserve(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	switch reservation.State {
	case idempotency.Duplicate:
		var prior domain.TransferResult
		if err := json.Unmarshal(reservation.Result, &prior); err != nil {
			return nil, false, fmt.Errorf("decode cached result: %w", err)
		}
		return &prior, true, nil
	case idempotency.InProgress:
		return nil, false, domain.ErrRequestInProgress
	}

	result, err = e.execute(ctx, req)
	if err != nil {
		// Free the key so the caller may resubmit after fixing the
		// cause; the reservation must not poison future attempts.
		if abandonErr := e.idem.Abandon(ctx, req.IdempotencyKey); abandonErr != nil {
			e.logger.Error().Err(abandonErr).Str("key", req.IdempotencyKey).Msg("failed to abandon idempotency reservation")
		}
		transfersTotal.WithLabelValues("failed").Inc()
		return nil, false, err
	}

	if err := e.idem.Commit(ctx, req.IdempotencyKey, result); err != nil {
		// The transfer itself is committed; a replay before this key
		// expires would re-execute, but the unique transaction
		// idempotency_key column still blocks a double write.
		e.logger.Error().Err(err).Str("key", req.IdempotencyKey).Msg("failed to commit idempotency result")
	}

	if err := e.publisher.Publish(ctx, domain.TopicTransferEvents, domain.NewTransferCompleted(result)); err != nil {
		e.logger.Error().Err(err).Str("transaction_id", result.TransactionID).Msg("failed to publish transfer event")
	}

	transfersTotal.WithLabelValues("completed").Inc()
	return result, false, nil
}

// execute runs the locked critical section. Locks are released before it
// returns, so the caller never publishes or caches while holding them.
func (e *TransferEngine) execute(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	// Lock both account keys in lexical order so two transfers moving
	// funds in opposite directions between the same pair cannot deadlock.
	firstKey, secondKey := lockKey(req.FromAccountNumber), lockKey(req.ToAccountNumber)
	if firstKey > secondKey {
		firstKey, secondKey = secondKey, firstKey
	}

	lockStart := time.Now()
	firstToken, err := e.locker.Acquire(ctx, firstKey, e.lockTTL, e.lockMaxWait)
	if err != nil {
		return nil, err
	}
	defer e.releaseLock(ctx, firstKey, firstToken)

	secondToken, err := e.locker.Acquire(ctx, secondKey, e.lockTTL, e.lockMaxWait)
	if err != nil {
		return nil, err
	}
	defer e.releaseLock(ctx, secondKey, secondToken)
	lockWaitSeconds.Observe(time.Since(lockStart).Seconds())

	var result *domain.TransferResult
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		var txErr error
		result, txErr = e.executeTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *TransferEngine) executeTx(ctx context.Context, tx store.Tx, req domain.TransferRequest) (*domain.TransferResult, error) {
	// Row locks follow the same deterministic order as the distributed
	// locks.
	numbers := []string{req.FromAccountNumber, req.ToAccountNumber}
	if numbers[0] > numbers[1] {
		numbers[0], numbers[1] = numbers[1], numbers[0]
	}

	accounts := make(map[string]*domain.Account, 2)
	for _, number := range numbers {
		a, err := tx.GetAccountForUpdate(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", number, err)
		}
		accounts[number] = a
	}
	from, to := accounts[req.FromAccountNumber], accounts[req.ToAccountNumber]

	now := e.now()
	if err := e.validateTransfer(from, to, req, now); err != nil {
		return nil, err
	}

	transactionID := newTransactionID(req.ActorID)

	from.Balance = from.Balance.Sub(req.Amount)
	from.AvailableBalance = from.Balance
	from.DailyUsedAmount = from.DailyUsed(now).Add(req.Amount)
	from.MonthlyUsedAmount = from.MonthlyUsed(now).Add(req.Amount)
	from.LastUsedAt = &now

	to.Balance = to.Balance.Add(req.Amount)
	to.AvailableBalance = to.Balance
	to.LastUsedAt = &now

	if err := tx.UpdateAccount(ctx, from); err != nil {
		return nil, err
	}
	if err := tx.UpdateAccount(ctx, to); err != nil {
		return nil, err
	}

	txn := &domain.Transaction{
		TransactionID:     transactionID,
		FromAccountNumber: from.AccountNumber,
		ToAccountNumber:   to.AccountNumber,
		Amount:            req.Amount,
		Description:       req.Description,
		Status:            domain.TransactionCompleted,
		IdempotencyKey:    req.IdempotencyKey,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}

	// Both ledger legs ride the same storage transaction: no reader can
	// ever observe one without the other.
	debitDesc := req.Description
	if debitDesc == "" {
		debitDesc = "Transfer to " + to.AccountNumber
	}
	creditDesc := req.Description
	if creditDesc == "" {
		creditDesc = "Transfer from " + from.AccountNumber
	}

	if _, err := e.ledger.PostEntryTx(ctx, tx, PostEntryInput{
		TransactionID: transactionID,
		AccountID:     from.ID,
		AccountNumber: from.AccountNumber,
		EntryType:     domain.EntryDebit,
		Amount:        req.Amount,
		Description:   debitDesc,
	}); err != nil {
		return nil, err
	}
	if _, err := e.ledger.PostEntryTx(ctx, tx, PostEntryInput{
		TransactionID: transactionID,
		AccountID:     to.ID,
		AccountNumber: to.AccountNumber,
		EntryType:     domain.EntryCredit,
		Amount:        req.Amount,
		Description:   creditDesc,
	}); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("transaction_id", transactionID).
		Str("from", from.AccountNumber).
		Str("to", to.AccountNumber).
		Str("amount", req.Amount.StringFixed(2)).
		Msg("transfer completed")

	return &domain.TransferResult{
		TransactionID:     transactionID,
		FromAccountNumber: from.AccountNumber,
		ToAccountNumber:   to.AccountNumber,
		Amount:            req.Amount,
		Status:            domain.TransactionCompleted,
		ProcessedAt:       now,
	}, nil
}

func (e *TransferEngine) validateTransfer(from, to *domain.Account, req domain.TransferRequest, now time.Time) error {
	if from.OwnerID != req.ActorID {
		return fmt.Errorf("account %s: %w", from.AccountNumber, domain.ErrAccessDenied)
	}
	if from.Status != domain.AccountActive {
		return fmt.Errorf("account %s: %w", from.AccountNumber, domain.ErrInactiveAccount)
	}
	if to.Status != domain.AccountActive {
		return fmt.Errorf("account %s: %w", to.AccountNumber, domain.ErrInactiveAccount)
	}
	if from.AvailableBalance.LessThan(req.Amount) {
		return fmt.Errorf("account %s: %w", from.AccountNumber, domain.ErrInsufficientBalance)
	}

	dailyUsed := from.DailyUsed(now)
	if dailyUsed.Add(req.Amount).GreaterThan(from.DailyLimit) {
		return &domain.LimitError{Kind: domain.LimitDaily, Limit: from.DailyLimit, Used: dailyUsed, Requested: req.Amount}
	}

	monthlyUsed := from.MonthlyUsed(now)
	if monthlyUsed.Add(req.Amount).GreaterThan(from.MonthlyLimit) {
		return &domain.LimitError{Kind: domain.LimitMonthly, Limit: from.MonthlyLimit, Used: monthlyUsed, Requested: req.Amount}
	}
	return nil
}

func (e *TransferEngine) releaseLock(ctx context.Context, key, token string) {
	if err := e.locker.Release(ctx, key, token); err != nil {
		e.logger.Error().Err(err).Str("lock_key", key).Msg("failed to release lock")
	}
}

func validateRequest(req domain.TransferRequest) error {
	if req.IdempotencyKey == "" {
		return domain.ErrMissingIdempotency
	}
	if req.FromAccountNumber == req.ToAccountNumber {
		return domain.ErrSelfTransfer
	}
	if req.Amount.LessThan(minTransferAmount) || req.Amount.GreaterThan(maxTransferAmount) {
		return fmt.Errorf("amount %s outside [%s, %s]: %w",
			req.Amount, minTransferAmount, maxTransferAmount, domain.ErrInvalidAmount)
	}
	return nil
}

func lockKey(accountNumber string) string {
	return "lock:account:" + accountNumber
}

// newTransactionID builds a globally unique, roughly time-ordered id.
func newTransactionID(actorID int64) string {
	return fmt.Sprintf("TXN_%d_%d_%04d", time.Now().UnixMilli(), actorID, rand.Intn(10000))
}
