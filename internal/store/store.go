// Package store persists accounts, transactions, ledger entries, and balance
// projections in Postgres. Mutations run inside a WithinTx group so the
// transfer and ledger engines get a single atomic storage operation; rows are
// locked with SELECT ... FOR UPDATE for the duration of that group.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/jpark-fin/bankops/internal/domain"
)

// EntryFilter narrows ListEntries and the aggregate queries. Zero values
// mean "any".
type EntryFilter struct {
	EntryType domain.EntryType
	Status    domain.EntryStatus
	Limit     int
	Offset    int
}

// Tx is the set of row operations available inside an atomic write group.
// The *ForUpdate reads take a row-level exclusive lock held until the group
// commits or rolls back.
type Tx interface {
	GetAccountForUpdate(ctx context.Context, accountNumber string) (*domain.Account, error)
	InsertAccount(ctx context.Context, a *domain.Account) error
	UpdateAccount(ctx context.Context, a *domain.Account) error

	InsertTransaction(ctx context.Context, t *domain.Transaction) error

	GetBalanceForUpdate(ctx context.Context, accountID int64) (*domain.AccountBalance, error)
	InsertBalance(ctx context.Context, b *domain.AccountBalance) error
	UpdateBalance(ctx context.Context, b *domain.AccountBalance) error

	InsertEntry(ctx context.Context, e *domain.LedgerEntry) error
	GetEntryForUpdate(ctx context.Context, entryID int64) (*domain.LedgerEntry, error)
	MarkEntryReversed(ctx context.Context, entryID int64, reversedBy, reason string) error
}

// Datastore is the storage collaborator injected into the engines. Reads
// outside WithinTx see committed state only.
type Datastore interface {
	// WithinTx runs fn inside one storage transaction. If fn returns an
	// error the whole group rolls back; nothing partial is ever visible.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID int64) ([]*domain.Account, error)

	GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, accountNumber string, limit, offset int) ([]*domain.Transaction, error)

	GetEntry(ctx context.Context, entryID int64) (*domain.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID int64, f EntryFilter) ([]*domain.LedgerEntry, error)
	SumEntries(ctx context.Context, accountID int64, entryType domain.EntryType, status domain.EntryStatus) (decimal.Decimal, error)
	CountEntries(ctx context.Context, accountID int64, status domain.EntryStatus) (int64, error)

	GetBalance(ctx context.Context, accountID int64) (*domain.AccountBalance, error)
}
