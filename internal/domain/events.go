package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event topics. Consumers tolerate at-least-once delivery; dedup happens
// upstream via idempotency keys, not here.
const (
	TopicTransferEvents = "transfer-events"
	TopicLedgerEvents   = "ledger-events"
	TopicAccountEvents  = "account-events"
)

// Event is the envelope shared by every published fact.
type Event struct {
	EventType string    `json:"event_type"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func newEvent(eventType string) Event {
	return Event{EventType: eventType, Version: "1.0", Timestamp: time.Now().UTC()}
}

// TransferCompleted is published after a transfer commits.
type TransferCompleted struct {
	Event
	TransactionID     string          `json:"transaction_id"`
	FromAccountNumber string          `json:"from_account_number"`
	ToAccountNumber   string          `json:"to_account_number"`
	Amount            decimal.Decimal `json:"amount"`
}

// NewTransferCompleted builds a TransferCompleted fact from a result.
func NewTransferCompleted(r *TransferResult) TransferCompleted {
	return TransferCompleted{
		Event:             newEvent("TRANSFER_COMPLETED"),
		TransactionID:     r.TransactionID,
		FromAccountNumber: r.FromAccountNumber,
		ToAccountNumber:   r.ToAccountNumber,
		Amount:            r.Amount,
	}
}

// LedgerEntryPosted is published after a ledger entry is written.
type LedgerEntryPosted struct {
	Event
	EntryID       int64           `json:"entry_id"`
	TransactionID string          `json:"transaction_id"`
	AccountNumber string          `json:"account_number"`
	EntryType     EntryType       `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// NewLedgerEntryPosted builds a LedgerEntryPosted fact from an entry.
func NewLedgerEntryPosted(e *LedgerEntry) LedgerEntryPosted {
	return LedgerEntryPosted{
		Event:         newEvent("LEDGER_ENTRY_POSTED"),
		EntryID:       e.ID,
		TransactionID: e.TransactionID,
		AccountNumber: e.AccountNumber,
		EntryType:     e.EntryType,
		Amount:        e.Amount,
		BalanceAfter:  e.BalanceAfter,
	}
}

// LedgerEntryReversed is published after a reversal commits.
type LedgerEntryReversed struct {
	Event
	OriginalEntryID int64           `json:"original_entry_id"`
	ReversalEntryID int64           `json:"reversal_entry_id"`
	AccountNumber   string          `json:"account_number"`
	Amount          decimal.Decimal `json:"amount"`
	Reason          string          `json:"reason,omitempty"`
}

// BalanceAdjusted is published after a manual balance adjustment.
type BalanceAdjusted struct {
	Event
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	TransactionID string          `json:"transaction_id"`
}

// AccountCreated is published when a new account is opened.
type AccountCreated struct {
	Event
	AccountID     int64  `json:"account_id"`
	OwnerID       int64  `json:"owner_id"`
	AccountNumber string `json:"account_number"`
}

// NewLedgerEntryReversed builds a LedgerEntryReversed fact.
func NewLedgerEntryReversed(original, reversal *LedgerEntry, reason string) LedgerEntryReversed {
	return LedgerEntryReversed{
		Event:           newEvent("LEDGER_ENTRY_REVERSED"),
		OriginalEntryID: original.ID,
		ReversalEntryID: reversal.ID,
		AccountNumber:   original.AccountNumber,
		Amount:          original.Amount,
		Reason:          reason,
	}
}

// NewBalanceAdjusted builds a BalanceAdjusted fact.
func NewBalanceAdjusted(b *AccountBalance, amount decimal.Decimal, transactionID string) BalanceAdjusted {
	return BalanceAdjusted{
		Event:         newEvent("BALANCE_ADJUSTED"),
		AccountNumber: b.AccountNumber,
		Amount:        amount,
		NewBalance:    b.Balance,
		TransactionID: transactionID,
	}
}

// NewAccountCreated builds an AccountCreated fact.
func NewAccountCreated(a *Account) AccountCreated {
	return AccountCreated{
		Event:         newEvent("ACCOUNT_CREATED"),
		AccountID:     a.ID,
		OwnerID:       a.OwnerID,
		AccountNumber: a.AccountNumber,
	}
}
