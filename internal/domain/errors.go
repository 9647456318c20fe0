package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors forming the taxonomy surfaced to callers. Handlers map
// these onto HTTP statuses with errors.Is.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrInactiveAccount     = errors.New("account is not active")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLimitExceeded       = errors.New("transfer limit exceeded")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrRequestInProgress   = errors.New("request already in progress")
	ErrLockTimeout         = errors.New("lock acquisition timed out")
	ErrNotReversible       = errors.New("entry cannot be reversed")
	ErrSelfTransfer        = errors.New("cannot transfer to the same account")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMissingIdempotency  = errors.New("idempotency key is required")
	ErrNegativeBalance     = errors.New("balance cannot be negative")
)

// LimitKind distinguishes which spending limit was exceeded.
type LimitKind string

const (
	LimitDaily   LimitKind = "daily"
	LimitMonthly LimitKind = "monthly"
)

// LimitError wraps ErrLimitExceeded with the limit that was hit.
type LimitError struct {
	Kind      LimitKind
	Limit     decimal.Decimal
	Used      decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: limit=%s used=%s requested=%s",
		e.Kind, e.Limit, e.Used, e.Requested)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }
