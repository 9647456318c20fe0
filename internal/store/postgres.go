package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jpark-fin/bankops/internal/domain"
)

// Postgres implements Datastore on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies connectivity.
func New(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Pool exposes the underlying pool for maintenance commands (seeder).
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// WithinTx runs fn inside a single database transaction. Row locks taken by
// the *ForUpdate reads are held until commit or rollback.
func (p *Postgres) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

const accountColumns = `id, account_number, owner_id, account_name, account_type, status,
	balance::text, available_balance::text, daily_limit::text, monthly_limit::text,
	daily_used_amount::text, monthly_used_amount::text, last_used_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var balance, available, dailyLimit, monthlyLimit, dailyUsed, monthlyUsed string

	err := row.Scan(&a.ID, &a.AccountNumber, &a.OwnerID, &a.AccountName, &a.AccountType, &a.Status,
		&balance, &available, &dailyLimit, &monthlyLimit,
		&dailyUsed, &monthlyUsed, &a.LastUsedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&a.Balance, balance},
		{&a.AvailableBalance, available},
		{&a.DailyLimit, dailyLimit},
		{&a.MonthlyLimit, monthlyLimit},
		{&a.DailyUsedAmount, dailyUsed},
		{&a.MonthlyUsedAmount, monthlyUsed},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("parse account decimal %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return &a, nil
}

// GetAccount returns the account by number, or domain.ErrAccountNotFound.
func (p *Postgres) GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, accountNumber)
	return scanAccount(row)
}

// ListAccountsByOwner returns all non-closed accounts of one owner.
func (p *Postgres) ListAccountsByOwner(ctx context.Context, ownerID int64) ([]*domain.Account, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 AND status <> 'CLOSED' ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

const transactionColumns = `id, transaction_id, from_account_number, to_account_number,
	amount::text, COALESCE(description, ''), status, COALESCE(idempotency_key, ''), created_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var amount string

	err := row.Scan(&t.ID, &t.TransactionID, &t.FromAccountNumber, &t.ToAccountNumber,
		&amount, &t.Description, &t.Status, &t.IdempotencyKey, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse transaction amount %q: %w", amount, err)
	}
	return &t, nil
}

// GetTransaction looks up a transaction record by its generated id.
func (p *Postgres) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`, transactionID)
	return scanTransaction(row)
}

// ListTransactions returns the transaction history touching an account,
// newest first.
func (p *Postgres) ListTransactions(ctx context.Context, accountNumber string, limit, offset int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE from_account_number = $1 OR to_account_number = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, accountNumber, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

const entryColumns = `id, transaction_id, account_id, account_number, entry_type,
	amount::text, balance_after::text, COALESCE(description, ''), COALESCE(reference_id, ''),
	status, reversed_at, COALESCE(reversed_by, ''), COALESCE(reversal_reason, ''), created_at`

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var amount, balanceAfter string

	err := row.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.AccountNumber, &e.EntryType,
		&amount, &balanceAfter, &e.Description, &e.ReferenceID,
		&e.Status, &e.ReversedAt, &e.ReversedBy, &e.ReversalReason, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse entry amount %q: %w", amount, err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return nil, fmt.Errorf("parse entry balance %q: %w", balanceAfter, err)
	}
	return &e, nil
}

// GetEntry looks up a single ledger entry, or domain.ErrEntryNotFound.
func (p *Postgres) GetEntry(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID)
	return scanEntry(row)
}

// ListEntries returns an account's ledger entries, newest first, optionally
// filtered by type and status.
func (p *Postgres) ListEntries(ctx context.Context, accountID int64, f EntryFilter) ([]*domain.LedgerEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1`
	args := []any{accountID}
	if f.EntryType != "" {
		args = append(args, f.EntryType)
		query += fmt.Sprintf(" AND entry_type = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumEntries totals entry amounts for one account, type, and status.
func (p *Postgres) SumEntries(ctx context.Context, accountID int64, entryType domain.EntryType, status domain.EntryStatus) (decimal.Decimal, error) {
	var total string
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM ledger_entries
		 WHERE account_id = $1 AND entry_type = $2 AND status = $3`,
		accountID, entryType, status).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum entries: %w", err)
	}

	d, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse entry sum %q: %w", total, err)
	}
	return d, nil
}

// CountEntries counts an account's entries in one status.
func (p *Postgres) CountEntries(ctx context.Context, accountID int64, status domain.EntryStatus) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1 AND status = $2`,
		accountID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

const balanceColumns = `id, account_id, account_number, balance::text, available_balance::text,
	frozen_amount::text, COALESCE(last_transaction_id, ''), last_transaction_at, created_at, updated_at`

func scanBalance(row pgx.Row) (*domain.AccountBalance, error) {
	var b domain.AccountBalance
	var balance, available, frozen string

	err := row.Scan(&b.ID, &b.AccountID, &b.AccountNumber, &balance, &available,
		&frozen, &b.LastTransactionID, &b.LastTransactionAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account balance: %w", err)
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&b.Balance, balance},
		{&b.AvailableBalance, available},
		{&b.FrozenAmount, frozen},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("parse balance decimal %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return &b, nil
}

// GetBalance returns the ledger balance projection for an account, or
// domain.ErrAccountNotFound if no entry has ever been posted for it.
func (p *Postgres) GetBalance(ctx context.Context, accountID int64) (*domain.AccountBalance, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM account_balances WHERE account_id = $1`, accountID)
	return scanBalance(row)
}
