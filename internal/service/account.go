package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jpark-fin/bankops/internal/domain"
	"github.com/jpark-fin/bankops/internal/events"
	"github.com/jpark-fin/bankops/internal/store"
)

// Default spending limits for new accounts.
var (
	defaultDailyLimit   = decimal.NewFromInt(1_000_000)
	defaultMonthlyLimit = decimal.NewFromInt(10_000_000)
)

// AccountService manages account lifecycle and read paths around the
// transfer core.
type AccountService struct {
	store     store.Datastore
	ledger    *LedgerEngine
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewAccountService wires the account service.
func NewAccountService(ds store.Datastore, ledger *LedgerEngine, publisher events.Publisher, logger zerolog.Logger) *AccountService {
	return &AccountService{
		store:     ds,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger.With().Str("component", "account").Logger(),
	}
}

// CreateAccountInput describes a new account to open.
type CreateAccountInput struct {
	OwnerID        int64
	AccountName    string
	AccountType    domain.AccountType
	InitialBalance decimal.Decimal
}

// CreateAccount opens an account with a generated account number. A positive
// initial balance is recorded as a CREDIT ledger entry so the ledger starts
// consistent with the account balance.
func (s *AccountService) CreateAccount(ctx context.Context, in CreateAccountInput) (*domain.Account, error) {
	if in.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("initial balance %s: %w", in.InitialBalance, domain.ErrInvalidAmount)
	}
	if in.AccountType == "" {
		in.AccountType = domain.AccountChecking
	}

	account := &domain.Account{
		AccountNumber:     newAccountNumber(),
		OwnerID:           in.OwnerID,
		AccountName:       in.AccountName,
		AccountType:       in.AccountType,
		Status:            domain.AccountActive,
		Balance:           in.InitialBalance,
		AvailableBalance:  in.InitialBalance,
		DailyLimit:        defaultDailyLimit,
		MonthlyLimit:      defaultMonthlyLimit,
		DailyUsedAmount:   decimal.Zero,
		MonthlyUsedAmount: decimal.Zero,
	}

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAccount(ctx, account); err != nil {
			return err
		}
		if in.InitialBalance.IsPositive() {
			_, err := s.ledger.PostEntryTx(ctx, tx, PostEntryInput{
				TransactionID: fmt.Sprintf("INIT_%d", time.Now().UnixMilli()),
				AccountID:     account.ID,
				AccountNumber: account.AccountNumber,
				EntryType:     domain.EntryCredit,
				Amount:        in.InitialBalance,
				Description:   "Initial deposit",
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.publisher.Publish(ctx, domain.TopicAccountEvents, domain.NewAccountCreated(account)); err != nil {
		s.logger.Error().Err(err).Str("account", account.AccountNumber).Msg("failed to publish account event")
	}

	s.logger.Info().Str("account", account.AccountNumber).Int64("owner", in.OwnerID).Msg("account created")
	return account, nil
}

// GetAccount returns one account by number.
func (s *AccountService) GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error) {
	return s.store.GetAccount(ctx, accountNumber)
}

// ListAccounts returns an owner's accounts.
func (s *AccountService) ListAccounts(ctx context.Context, ownerID int64) ([]*domain.Account, error) {
	return s.store.ListAccountsByOwner(ctx, ownerID)
}

// Summary totals balances across an owner's accounts.
func (s *AccountService) Summary(ctx context.Context, ownerID int64) (*domain.AccountSummary, error) {
	accounts, err := s.store.ListAccountsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	summary := &domain.AccountSummary{
		TotalAccounts:    len(accounts),
		TotalBalance:     decimal.Zero,
		AvailableBalance: decimal.Zero,
		Accounts:         accounts,
	}
	for _, a := range accounts {
		summary.TotalBalance = summary.TotalBalance.Add(a.Balance)
		summary.AvailableBalance = summary.AvailableBalance.Add(a.AvailableBalance)
	}
	return summary, nil
}

// UpdateAccountInput carries optional account settings changes. Nil fields
// are left untouched.
type UpdateAccountInput struct {
	AccountName  *string
	DailyLimit   *decimal.Decimal
	MonthlyLimit *decimal.Decimal
}

// UpdateAccount changes name or limits. Only the owner may update.
func (s *AccountService) UpdateAccount(ctx context.Context, accountNumber string, actorID int64, in UpdateAccountInput) (*domain.Account, error) {
	var account *domain.Account
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		account, err = tx.GetAccountForUpdate(ctx, accountNumber)
		if err != nil {
			return err
		}
		if account.OwnerID != actorID {
			return fmt.Errorf("account %s: %w", accountNumber, domain.ErrAccessDenied)
		}

		if in.AccountName != nil {
			account.AccountName = *in.AccountName
		}
		if in.DailyLimit != nil {
			if in.DailyLimit.IsNegative() {
				return fmt.Errorf("daily limit %s: %w", in.DailyLimit, domain.ErrInvalidAmount)
			}
			account.DailyLimit = *in.DailyLimit
		}
		if in.MonthlyLimit != nil {
			if in.MonthlyLimit.IsNegative() {
				return fmt.Errorf("monthly limit %s: %w", in.MonthlyLimit, domain.ErrInvalidAmount)
			}
			account.MonthlyLimit = *in.MonthlyLimit
		}
		return tx.UpdateAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Transaction returns one transfer record by its transaction id.
func (s *AccountService) Transaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, transactionID)
}

// Transactions returns the account's transfer history, newest first.
func (s *AccountService) Transactions(ctx context.Context, accountNumber string, limit, offset int) ([]*domain.Transaction, error) {
	if _, err := s.store.GetAccount(ctx, accountNumber); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, accountNumber, limit, offset)
}

// newAccountNumber generates a unique account number from a millisecond
// timestamp and a random suffix.
func newAccountNumber() string {
	return fmt.Sprintf("BNK%d%04d", time.Now().UnixMilli(), rand.Intn(10000))
}
