package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jpark-fin/bankops/internal/domain"
)

// pgTx implements Tx on an open pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// GetAccountForUpdate reads an account and takes a row-level exclusive lock
// held until the enclosing transaction ends.
func (t *pgTx) GetAccountForUpdate(ctx context.Context, accountNumber string) (*domain.Account, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1 FOR UPDATE`, accountNumber)
	return scanAccount(row)
}

// InsertAccount persists a new account and fills in its generated id and
// timestamps.
func (t *pgTx) InsertAccount(ctx context.Context, a *domain.Account) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO accounts (account_number, owner_id, account_name, account_type, status,
			balance, available_balance, daily_limit, monthly_limit,
			daily_used_amount, monthly_used_amount, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at, updated_at`,
		a.AccountNumber, a.OwnerID, a.AccountName, a.AccountType, a.Status,
		a.Balance.StringFixed(2), a.AvailableBalance.StringFixed(2),
		a.DailyLimit.StringFixed(2), a.MonthlyLimit.StringFixed(2),
		a.DailyUsedAmount.StringFixed(2), a.MonthlyUsedAmount.StringFixed(2), a.LastUsedAt,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// UpdateAccount writes back the mutable account fields.
func (t *pgTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET account_name = $2, status = $3,
			balance = $4, available_balance = $5,
			daily_limit = $6, monthly_limit = $7,
			daily_used_amount = $8, monthly_used_amount = $9,
			last_used_at = $10, updated_at = now()
		 WHERE id = $1`,
		a.ID, a.AccountName, a.Status,
		a.Balance.StringFixed(2), a.AvailableBalance.StringFixed(2),
		a.DailyLimit.StringFixed(2), a.MonthlyLimit.StringFixed(2),
		a.DailyUsedAmount.StringFixed(2), a.MonthlyUsedAmount.StringFixed(2),
		a.LastUsedAt)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// InsertTransaction appends a transaction record.
func (t *pgTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (transaction_id, from_account_number, to_account_number,
			amount, description, status, idempotency_key)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''))
		 RETURNING id, created_at`,
		txn.TransactionID, txn.FromAccountNumber, txn.ToAccountNumber,
		txn.Amount.StringFixed(2), txn.Description, txn.Status, txn.IdempotencyKey,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetBalanceForUpdate reads the balance projection with a row lock, or
// domain.ErrAccountNotFound if it does not exist yet.
func (t *pgTx) GetBalanceForUpdate(ctx context.Context, accountID int64) (*domain.AccountBalance, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM account_balances WHERE account_id = $1 FOR UPDATE`, accountID)
	return scanBalance(row)
}

// InsertBalance creates the projection row for an account's first entry.
func (t *pgTx) InsertBalance(ctx context.Context, b *domain.AccountBalance) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO account_balances (account_id, account_number, balance, available_balance,
			frozen_amount, last_transaction_id, last_transaction_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		 RETURNING id, created_at, updated_at`,
		b.AccountID, b.AccountNumber, b.Balance.StringFixed(2), b.AvailableBalance.StringFixed(2),
		b.FrozenAmount.StringFixed(2), b.LastTransactionID, b.LastTransactionAt,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}
	return nil
}

// UpdateBalance writes back the projection after a posting or reversal.
func (t *pgTx) UpdateBalance(ctx context.Context, b *domain.AccountBalance) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE account_balances SET balance = $2, available_balance = $3, frozen_amount = $4,
			last_transaction_id = NULLIF($5, ''), last_transaction_at = $6, updated_at = now()
		 WHERE account_id = $1`,
		b.AccountID, b.Balance.StringFixed(2), b.AvailableBalance.StringFixed(2),
		b.FrozenAmount.StringFixed(2), b.LastTransactionID, b.LastTransactionAt)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// InsertEntry appends one ledger entry. Entries are never updated afterwards
// except for the reversal status flip.
func (t *pgTx) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (transaction_id, account_id, account_number, entry_type,
			amount, balance_after, description, reference_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		 RETURNING id, created_at`,
		e.TransactionID, e.AccountID, e.AccountNumber, e.EntryType,
		e.Amount.StringFixed(2), e.BalanceAfter.StringFixed(2),
		e.Description, e.ReferenceID, e.Status,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// GetEntryForUpdate reads a ledger entry with a row lock so a concurrent
// reversal of the same entry blocks until this one finishes.
func (t *pgTx) GetEntryForUpdate(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, entryID)
	return scanEntry(row)
}

// MarkEntryReversed flips an ACTIVE entry to REVERSED with audit metadata.
// The entry's amount and type are never touched.
func (t *pgTx) MarkEntryReversed(ctx context.Context, entryID int64, reversedBy, reason string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE ledger_entries SET status = $2, reversed_at = now(), reversed_by = $3, reversal_reason = $4
		 WHERE id = $1 AND status = $5`,
		entryID, domain.EntryReversed, reversedBy, reason, domain.EntryActive)
	if err != nil {
		return fmt.Errorf("mark entry reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotReversible
	}
	return nil
}
