package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountInactive  AccountStatus = "INACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
	AccountClosed    AccountStatus = "CLOSED"
)

// AccountType classifies an account product.
type AccountType string

const (
	AccountChecking   AccountType = "CHECKING"
	AccountSavings    AccountType = "SAVINGS"
	AccountInvestment AccountType = "INVESTMENT"
	AccountLoan       AccountType = "LOAN"
)

// Account represents a customer account with balance and spending limits.
// All monetary fields are fixed-point decimals with 2 fraction digits.
type Account struct {
	ID                int64           `json:"id"`
	AccountNumber     string          `json:"account_number"`
	OwnerID           int64           `json:"owner_id"`
	AccountName       string          `json:"account_name"`
	AccountType       AccountType     `json:"account_type"`
	Status            AccountStatus   `json:"status"`
	Balance           decimal.Decimal `json:"balance"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	DailyLimit        decimal.Decimal `json:"daily_limit"`
	MonthlyLimit      decimal.Decimal `json:"monthly_limit"`
	DailyUsedAmount   decimal.Decimal `json:"daily_used_amount"`
	MonthlyUsedAmount decimal.Decimal `json:"monthly_used_amount"`
	LastUsedAt        *time.Time      `json:"last_used_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DailyUsed returns the daily used amount effective at now, applying the
/// lazy reset: a stale counter from a previous day reads as zero.
func (a *Account) DailyUsed(now time.Time) decimal.Decimal {
	if a.LastUsedAt == nil || !sameDay(*a.LastUsedAt, now) {
		return decimal.Zero
	}
	return a.DailyUsedAmount
}

// MonthlyUsed returns the monthly used amount effective at now, applying the
// lazy reset for a new month.
func (a *Account) MonthlyUsed(now time.Time) decimal.Decimal {
	if a.LastUsedAt == nil || !sameMonth(*a.LastUsedAt, now) {
		return decimal.Zero
	}
	return a.MonthlyUsedAmount
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return ay == by && am == bm
}

// TransactionStatus is the lifecycle state of a transaction record.
type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "PENDING"
	TransactionProcessing TransactionStatus = "PROCESSING"
	TransactionCompleted  TransactionStatus = "COMPLETED"
	TransactionFailed     TransactionStatus = "FAILED"
	TransactionCancelled  TransactionStatus = "CANCELLED"
	TransactionRefunded   TransactionStatus = "REFUNDED"
)

// Transaction is the immutable record of a money movement intent.
// Never mutated after reaching a terminal status except by an explicit
// reversal/refund flow.
type Transaction struct {
	ID                int64             `json:"id"`
	TransactionID     string            `json:"transaction_id"`
	FromAccountNumber string            `json:"from_account_number"`
	ToAccountNumber   string            `json:"to_account_number"`
	Amount            decimal.Decimal   `json:"amount"`
	Description       string            `json:"description,omitempty"`
	Status            TransactionStatus `json:"status"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// EntryType is the side of a double-entry ledger line.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Opposite returns the offsetting entry type, used when reversing.
func (t EntryType) Opposite() EntryType {
	if t == EntryDebit {
		return EntryCredit
	}
	return EntryDebit
}

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	EntryActive    EntryStatus = "ACTIVE"
	EntryReversed  EntryStatus = "REVERSED"
	EntryCancelled EntryStatus = "CANCELLED"
)

// LedgerEntry is one immutable line of a double-entry record. For a simple
// transfer exactly two entries share a transaction id: one DEBIT and one
// CREDIT of equal amount. Amount is always a positive magnitude.
type LedgerEntry struct {
	ID             int64           `json:"id"`
	TransactionID  string          `json:"transaction_id"`
	AccountID      int64           `json:"account_id"`
	AccountNumber  string          `json:"account_number"`
	EntryType      EntryType       `json:"entry_type"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Description    string          `json:"description,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Status         EntryStatus     `json:"status"`
	ReversedAt     *time.Time      `json:"reversed_at,omitempty"`
	ReversedBy     string          `json:"reversed_by,omitempty"`
	ReversalReason string          `json:"reversal_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AccountBalance is the ledger-side balance projection, kept separate from
// Account so the ledger can be audited independently of the account service.
/// Invariant: AvailableBalance = Balance - FrozenAmount.
type AccountBalance struct {
	ID                int64           `json:"id"`
	AccountID         int64           `json:"account_id"`
	AccountNumber     string          `json:"account_number"`
	Balance           decimal.Decimal `json:"balance"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	FrozenAmount      decimal.Decimal `json:"frozen_amount"`
	LastTransactionID string          `json:"last_transaction_id,omitempty"`
	LastTransactionAt *time.Time      `json:"last_transaction_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TransferRequest is the caller-facing transfer input, independent of
// transport.
type TransferRequest struct {
	FromAccountNumber string          `json:"from_account_number"`
	ToAccountNumber   string          `json:"to_account_number"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description,omitempty"`
	IdempotencyKey    string          `json:"-"`
	ActorID           int64           `json:"-"`
}

// TransferResult is the terminal outcome of a transfer, cached verbatim for
// idempotent replays.
type TransferResult struct {
	TransactionID     string            `json:"transaction_id"`
	FromAccountNumber string            `json:"from_account_number"`
	ToAccountNumber   string            `json:"to_account_number"`
	Amount            decimal.Decimal   `json:"amount"`
	Status            TransactionStatus `json:"status"`
	ProcessedAt       time.Time         `json:"processed_at"`
}

// ReconciliationReport compares the derived ledger balance against the
/// stored projection. Read-only: drift is reported, never corrected.
type ReconciliationReport struct {
	AccountID      int64           `json:"account_id"`
	AccountNumber  string          `json:"account_number"`
	LedgerBalance  decimal.Decimal `json:"ledger_balance"`
	AccountBalance decimal.Decimal `json:"account_balance"`
	Difference     decimal.Decimal `json:"difference"`
	IsReconciled   bool            `json:"is_reconciled"`
	ReconciledAt   time.Time       `json:"reconciled_at"`
}

// LedgerSummary aggregates an account's active and reversed entries.
type LedgerSummary struct {
	TotalEntries    int64           `json:"total_entries"`
	ActiveEntries   int64           `json:"active_entries"`
	ReversedEntries int64           `json:"reversed_entries"`
	TotalDebits     decimal.Decimal `json:"total_debits"`
	TotalCredits    decimal.Decimal `json:"total_credits"`
	NetBalance      decimal.Decimal `json:"net_balance"`
}

// AccountSummary aggregates all active accounts of one owner.
type AccountSummary struct {
	TotalAccounts    int             `json:"total_accounts"`
	TotalBalance     decimal.Decimal `json:"total_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Accounts         []*Account      `json:"accounts"`
}
