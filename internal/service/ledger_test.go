package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpark-fin/bankops/internal/domain"
	"github.com/jpark-fin/bankops/internal/store"
	"github.com/jpark-fin/bankops/internal/store/storetest"
)

type ledgerHarness struct {
	engine *LedgerEngine
	store  *storetest.Store
	pub    *recordingPublisher
	acct   *domain.Account
}

func newLedgerHarness(t *testing.T, balance string) *ledgerHarness {
	t.Helper()

	ds := storetest.New()
	pub := &recordingPublisher{}
	acct := ds.SeedAccount(&domain.Account{
		AccountNumber:    acctA,
		OwnerID:          1,
		AccountName:      "Ledger Test",
		AccountType:      domain.AccountChecking,
		Balance:          dec(balance),
		AvailableBalance: dec(balance),
		DailyLimit:       dec("1000000"),
		MonthlyLimit:     dec("10000000"),
	})
	return &ledgerHarness{
		engine: NewLedgerEngine(ds, pub, zerolog.Nop()),
		store:  ds,
		pub:    pub,
		acct:   acct,
	}
}

func (h *ledgerHarness) post(t *testing.T, entryType domain.EntryType, amount string) *domain.LedgerEntry {
	t.Helper()
	entry, err := h.engine.PostEntry(context.Background(), PostEntryInput{
		TransactionID: fmt.Sprintf("TXN_test_%s_%s", entryType, amount),
		AccountID:     h.acct.ID,
		AccountNumber: h.acct.AccountNumber,
		EntryType:     entryType,
		Amount:        dec(amount),
		Description:   "test entry",
	})
	require.NoError(t, err)
	return entry
}

func TestPostEntry_CreditMovesProjection(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()

	entry := h.post(t, domain.EntryCredit, "100")
	assert.Equal(t, domain.EntryActive, entry.Status)
	assert.True(t, entry.BalanceAfter.Equal(dec("100")))

	balance, err := h.engine.Balance(ctx, h.acct.ID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("100")))
	assert.True(t, balance.AvailableBalance.Equal(dec("100")))
	assert.Equal(t, entry.TransactionID, balance.LastTransactionID)

	require.Len(t, h.pub.published(domain.TopicLedgerEvents), 1)
}

func TestPostEntry_LazilyCreatesProjection(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()

	// Simulate an account predating the projection table.
	h.store.DeleteBalance(h.acct.ID)

	_, err := h.engine.Balance(ctx, h.acct.ID)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	h.post(t, domain.EntryCredit, "50")

	balance, err := h.engine.Balance(ctx, h.acct.ID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("50")))
	assert.Equal(t, h.acct.AccountNumber, balance.AccountNumber)
}

func TestPostEntry_DebitBelowZeroRejected(t *testing.T) {
	h := newLedgerHarness(t, "0")
	h.post(t, domain.EntryCredit, "30")

	_, err := h.engine.PostEntry(context.Background(), PostEntryInput{
		TransactionID: "TXN_test_overdraw",
		AccountID:     h.acct.ID,
		AccountNumber: h.acct.AccountNumber,
		EntryType:     domain.EntryDebit,
		Amount:        dec("30.01"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	balance, _ := h.engine.Balance(context.Background(), h.acct.ID)
	assert.True(t, balance.Balance.Equal(dec("30")))
}

func TestPostEntry_NonPositiveAmountRejected(t *testing.T) {
	h := newLedgerHarness(t, "0")

	for _, amount := range []string{"0", "-10"} {
		_, err := h.engine.PostEntry(context.Background(), PostEntryInput{
			TransactionID: "TXN_test_bad",
			AccountID:     h.acct.ID,
			AccountNumber: h.acct.AccountNumber,
			EntryType:     domain.EntryCredit,
			Amount:        dec(amount),
		})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, "amount %s", amount)
	}
}

func TestReverseEntry_RestoresBalanceAndKeepsHistory(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()

	original := h.post(t, domain.EntryCredit, "100")

	reversal, err := h.engine.ReverseEntry(ctx, original.ID, "posted in error", "ops-user")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryDebit, reversal.EntryType)
	assert.True(t, reversal.Amount.Equal(dec("100")))
	assert.Equal(t, fmt.Sprintf("%d", original.ID), reversal.ReferenceID)
	assert.Equal(t, domain.EntryActive, reversal.Status)

	// Original row keeps its amount and type, only its status flips.
	stored, err := h.store.GetEntry(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryReversed, stored.Status)
	assert.Equal(t, domain.EntryCredit, stored.EntryType)
	assert.True(t, stored.Amount.Equal(dec("100")))
	assert.Equal(t, "ops-user", stored.ReversedBy)
	assert.Equal(t, "posted in error", stored.ReversalReason)
	require.NotNil(t, stored.ReversedAt)

	balance, _ := h.engine.Balance(ctx, h.acct.ID)
	assert.True(t, balance.Balance.Equal(dec("0")), "balance %s", balance.Balance)
}

func TestReverseEntry_DefaultsReason(t *testing.T) {
	h := newLedgerHarness(t, "0")
	original := h.post(t, domain.EntryCredit, "10")

	_, err := h.engine.ReverseEntry(context.Background(), original.ID, "", "ops-user")
	require.NoError(t, err)

	stored, _ := h.store.GetEntry(context.Background(), original.ID)
	assert.Equal(t, "Manual reversal", stored.ReversalReason)
}

func TestReverseEntry_TwiceRejected(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()
	original := h.post(t, domain.EntryCredit, "100")

	_, err := h.engine.ReverseEntry(ctx, original.ID, "", "ops-user")
	require.NoError(t, err)

	_, err = h.engine.ReverseEntry(ctx, original.ID, "", "ops-user")
	require.ErrorIs(t, err, domain.ErrNotReversible)

	// The failed second attempt must not have touched the projection.
	balance, _ := h.engine.Balance(ctx, h.acct.ID)
	assert.True(t, balance.Balance.Equal(dec("0")))
}

func TestReverseEntry_UnknownEntry(t *testing.T) {
	h := newLedgerHarness(t, "0")

	_, err := h.engine.ReverseEntry(context.Background(), 404, "", "ops-user")
	require.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestAdjustBalance_SignedCorrections(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()
	h.post(t, domain.EntryCredit, "100")

	balance, err := h.engine.AdjustBalance(ctx, AdjustmentInput{
		AccountID:     h.acct.ID,
		AccountNumber: h.acct.AccountNumber,
		Amount:        dec("25"),
		Description:   "interest credit",
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("125")))

	balance, err = h.engine.AdjustBalance(ctx, AdjustmentInput{
		AccountID:     h.acct.ID,
		AccountNumber: h.acct.AccountNumber,
		Amount:        dec("-30"),
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("95")))

	// Both corrections left audit entries.
	entries, err := h.engine.Entries(ctx, h.acct.ID, store.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "ADJUSTMENT", entries[0].ReferenceID)
	assert.Equal(t, domain.EntryDebit, entries[0].EntryType)
	assert.True(t, entries[0].Amount.Equal(dec("30")))
	assert.Equal(t, domain.EntryCredit, entries[1].EntryType)
}

func TestAdjustBalance_ZeroRejected(t *testing.T) {
	h := newLedgerHarness(t, "0")

	_, err := h.engine.AdjustBalance(context.Background(), AdjustmentInput{
		AccountID:     h.acct.ID,
		AccountNumber: h.acct.AccountNumber,
		Amount:        dec("0"),
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestAdjustBalance_CannotDebitBelowZero(t *testing.T) {
	h := newLedgerHarness(t, "0")
	h.post(t, domain.EntryCredit, "20")

	_, err := h.engine.AdjustBalance(context.Background(), AdjustmentInput{
		AccountID:     h.acct.ID,
		AccountNumber: h.acct.AccountNumber,
		Amount:        dec("-20.01"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestReconcile_MatchesDerivedBalance(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.post(t, domain.EntryCredit, "100")
	}
	h.post(t, domain.EntryDebit, "50")

	report, err := h.engine.Reconcile(ctx, h.acct.ID)
	require.NoError(t, err)
	assert.True(t, report.LedgerBalance.Equal(dec("250")), "ledger %s", report.LedgerBalance)
	assert.True(t, report.AccountBalance.Equal(dec("250")))
	assert.True(t, report.Difference.IsZero())
	assert.True(t, report.IsReconciled)
}

func TestReconcile_ReportsDriftWithoutFixingIt(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.post(t, domain.EntryCredit, "100")
	}
	h.post(t, domain.EntryDebit, "50")

	h.store.SetProjectionBalance(h.acct.ID, dec("200"))

	report, err := h.engine.Reconcile(ctx, h.acct.ID)
	require.NoError(t, err)
	assert.False(t, report.IsReconciled)
	assert.True(t, report.LedgerBalance.Equal(dec("250")))
	assert.True(t, report.AccountBalance.Equal(dec("200")))
	assert.True(t, report.Difference.Abs().Equal(dec("50")), "difference %s", report.Difference)

	// Read-only: the stored projection is untouched.
	balance, _ := h.engine.Balance(ctx, h.acct.ID)
	assert.True(t, balance.Balance.Equal(dec("200")))
}

func TestReconcile_ReversalPairCancelsOut(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()

	h.post(t, domain.EntryCredit, "100")
	extra := h.post(t, domain.EntryCredit, "40")
	_, err := h.engine.ReverseEntry(ctx, extra.ID, "", "ops-user")
	require.NoError(t, err)

	// The reversed entry and its offsetting leg cancel: the derived balance
	// reads as if the extra credit never existed.
	report, err := h.engine.Reconcile(ctx, h.acct.ID)
	require.NoError(t, err)
	assert.True(t, report.LedgerBalance.Equal(dec("100")), "ledger %s", report.LedgerBalance)
	assert.True(t, report.IsReconciled)
}

func TestSummary_CountsAndTotals(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()

	h.post(t, domain.EntryCredit, "100")
	h.post(t, domain.EntryCredit, "60")
	h.post(t, domain.EntryDebit, "40")
	reversed := h.post(t, domain.EntryCredit, "5")
	_, err := h.engine.ReverseEntry(ctx, reversed.ID, "", "ops-user")
	require.NoError(t, err)

	summary, err := h.engine.Summary(ctx, h.acct.ID)
	require.NoError(t, err)
	// The reversal leg itself is an active debit.
	assert.Equal(t, int64(5), summary.TotalEntries)
	assert.Equal(t, int64(4), summary.ActiveEntries)
	assert.Equal(t, int64(1), summary.ReversedEntries)
	assert.True(t, summary.TotalCredits.Equal(dec("160")), "credits %s", summary.TotalCredits)
	assert.True(t, summary.TotalDebits.Equal(dec("45")), "debits %s", summary.TotalDebits)
	assert.True(t, summary.NetBalance.Equal(dec("115")))
}

func TestEntries_FilterByTypeAndStatus(t *testing.T) {
	h := newLedgerHarness(t, "0")
	ctx := context.Background()

	h.post(t, domain.EntryCredit, "100")
	h.post(t, domain.EntryDebit, "10")
	h.post(t, domain.EntryDebit, "20")

	debits, err := h.engine.Entries(ctx, h.acct.ID, store.EntryFilter{EntryType: domain.EntryDebit})
	require.NoError(t, err)
	require.Len(t, debits, 2)
	// Newest first.
	assert.True(t, debits[0].Amount.Equal(dec("20")))
	assert.True(t, debits[1].Amount.Equal(dec("10")))

	active, err := h.engine.Entries(ctx, h.acct.ID, store.EntryFilter{Status: domain.EntryActive, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, active, 2)
}
