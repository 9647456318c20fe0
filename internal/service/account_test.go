package service

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpark-fin/bankops/internal/domain"
	"github.com/jpark-fin/bankops/internal/store"
	"github.com/jpark-fin/bankops/internal/store/storetest"
)

func newAccountHarness(t *testing.T) (*AccountService, *storetest.Store, *recordingPublisher) {
	t.Helper()
	ds := storetest.New()
	pub := &recordingPublisher{}
	logger := zerolog.Nop()
	ledger := NewLedgerEngine(ds, pub, logger)
	return NewAccountService(ds, ledger, pub, logger), ds, pub
}

func TestCreateAccount_SeedsLedgerWithInitialDeposit(t *testing.T) {
	svc, ds, pub := newAccountHarness(t)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{
		OwnerID:        7,
		AccountName:    "Main Checking",
		InitialBalance: dec("500"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(account.AccountNumber, "BNK"))
	assert.Equal(t, domain.AccountActive, account.Status)
	assert.Equal(t, domain.AccountChecking, account.AccountType)
	assert.True(t, account.Balance.Equal(dec("500")))
	assert.True(t, account.DailyLimit.Equal(dec("1000000")))
	assert.True(t, account.MonthlyLimit.Equal(dec("10000000")))

	entries, err := ds.ListEntries(ctx, account.ID, store.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryCredit, entries[0].EntryType)
	assert.True(t, entries[0].Amount.Equal(dec("500")))
	assert.Equal(t, "Initial deposit", entries[0].Description)

	require.Len(t, pub.published(domain.TopicAccountEvents), 1)
}

func TestCreateAccount_ZeroBalanceSkipsLedgerEntry(t *testing.T) {
	svc, ds, _ := newAccountHarness(t)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{OwnerID: 7, AccountName: "Empty"})
	require.NoError(t, err)

	entries, err := ds.ListEntries(ctx, account.ID, store.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateAccount_NegativeInitialBalance(t *testing.T) {
	svc, _, _ := newAccountHarness(t)

	_, err := svc.CreateAccount(context.Background(), CreateAccountInput{
		OwnerID:        7,
		InitialBalance: dec("-1"),
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSummary_TotalsOwnerAccounts(t *testing.T) {
	svc, _, _ := newAccountHarness(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, CreateAccountInput{OwnerID: 7, AccountName: "One", InitialBalance: dec("100")})
	require.NoError(t, err)
	_, err = svc.CreateAccount(ctx, CreateAccountInput{OwnerID: 7, AccountName: "Two", InitialBalance: dec("250.50"), AccountType: domain.AccountSavings})
	require.NoError(t, err)
	_, err = svc.CreateAccount(ctx, CreateAccountInput{OwnerID: 8, AccountName: "Other", InitialBalance: dec("999")})
	require.NoError(t, err)

	summary, err := svc.Summary(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalAccounts)
	assert.True(t, summary.TotalBalance.Equal(dec("350.50")), "total %s", summary.TotalBalance)
	assert.True(t, summary.AvailableBalance.Equal(dec("350.50")))
}

func TestUpdateAccount_OwnerChangesNameAndLimits(t *testing.T) {
	svc, _, _ := newAccountHarness(t)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{OwnerID: 7, AccountName: "Old Name"})
	require.NoError(t, err)

	name := "New Name"
	daily := dec("5000")
	updated, err := svc.UpdateAccount(ctx, account.AccountNumber, 7, UpdateAccountInput{
		AccountName: &name,
		DailyLimit:  &daily,
	})
	require.NoError(t, err)
	assert.Equal(t, "New Name", updated.AccountName)
	assert.True(t, updated.DailyLimit.Equal(dec("5000")))
	// Untouched field keeps its default.
	assert.True(t, updated.MonthlyLimit.Equal(dec("10000000")))
}

func TestUpdateAccount_NonOwnerDenied(t *testing.T) {
	svc, _, _ := newAccountHarness(t)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{OwnerID: 7, AccountName: "Mine"})
	require.NoError(t, err)

	name := "Hijacked"
	_, err = svc.UpdateAccount(ctx, account.AccountNumber, 42, UpdateAccountInput{AccountName: &name})
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	stored, err := svc.GetAccount(ctx, account.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, "Mine", stored.AccountName)
}

func TestUpdateAccount_NegativeLimitRejected(t *testing.T) {
	svc, _, _ := newAccountHarness(t)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{OwnerID: 7, AccountName: "Mine"})
	require.NoError(t, err)

	daily := dec("-1")
	_, err = svc.UpdateAccount(ctx, account.AccountNumber, 7, UpdateAccountInput{DailyLimit: &daily})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestTransactions_UnknownAccount(t *testing.T) {
	svc, _, _ := newAccountHarness(t)

	_, err := svc.Transactions(context.Background(), "BNK0000000000000", 20, 0)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}
