package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpark-fin/bankops/internal/domain"
	"github.com/jpark-fin/bankops/internal/idempotency"
	"github.com/jpark-fin/bankops/internal/lock"
	"github.com/jpark-fin/bankops/internal/store"
	"github.com/jpark-fin/bankops/internal/store/storetest"
)

const (
	acctA = "BNK1000000000001"
	acctB = "BNK1000000000002"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type transferHarness struct {
	engine *TransferEngine
	store  *storetest.Store
	pub    *recordingPublisher
}

func newTransferHarness(t *testing.T) *transferHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ds := storetest.New()
	pub := &recordingPublisher{}
	logger := zerolog.Nop()
	ledger := NewLedgerEngine(ds, pub, logger)
	engine := NewTransferEngine(
		ds,
		lock.New(client),
		idempotency.New(client, time.Hour),
		ledger,
		pub,
		logger,
		5*time.Second,
		2*time.Second,
	)
	return &transferHarness{engine: engine, store: ds, pub: pub}
}

func (h *transferHarness) seedPair(t *testing.T, balanceA, balanceB string) {
	t.Helper()
	h.store.SeedAccount(&domain.Account{
		AccountNumber:    acctA,
		OwnerID:          1,
		AccountName:      "Alpha Checking",
		AccountType:      domain.AccountChecking,
		Balance:          dec(balanceA),
		AvailableBalance: dec(balanceA),
		DailyLimit:       dec("1000000"),
		MonthlyLimit:     dec("10000000"),
	})
	h.store.SeedAccount(&domain.Account{
		AccountNumber:    acctB,
		OwnerID:          2,
		AccountName:      "Beta Checking",
		AccountType:      domain.AccountChecking,
		Balance:          dec(balanceB),
		AvailableBalance: dec(balanceB),
		DailyLimit:       dec("1000000"),
		MonthlyLimit:     dec("10000000"),
	})
}

func transferReq(amount, key string) domain.TransferRequest {
	return domain.TransferRequest{
		FromAccountNumber: acctA,
		ToAccountNumber:   acctB,
		Amount:            dec(amount),
		IdempotencyKey:    key,
		ActorID:           1,
	}
}

func TestTransfer_MovesFundsAndPostsBothLegs(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")
	ctx := context.Background()

	result, replayed, err := h.engine.Transfer(ctx, transferReq("300", "k1"))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, domain.TransactionCompleted, result.Status)
	assert.NotEmpty(t, result.TransactionID)
	assert.True(t, result.Amount.Equal(dec("300")))

	from, err := h.store.GetAccount(ctx, acctA)
	require.NoError(t, err)
	assert.True(t, from.Balance.Equal(dec("700")), "from balance %s", from.Balance)
	assert.True(t, from.DailyUsedAmount.Equal(dec("300")))
	assert.True(t, from.MonthlyUsedAmount.Equal(dec("300")))

	to, err := h.store.GetAccount(ctx, acctB)
	require.NoError(t, err)
	assert.True(t, to.Balance.Equal(dec("300")))

	fromEntries, err := h.store.ListEntries(ctx, from.ID, store.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, fromEntries, 1)
	assert.Equal(t, domain.EntryDebit, fromEntries[0].EntryType)
	assert.True(t, fromEntries[0].BalanceAfter.Equal(dec("700")))
	assert.Equal(t, result.TransactionID, fromEntries[0].TransactionID)

	toEntries, err := h.store.ListEntries(ctx, to.ID, store.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, toEntries, 1)
	assert.Equal(t, domain.EntryCredit, toEntries[0].EntryType)
	assert.True(t, toEntries[0].BalanceAfter.Equal(dec("300")))
	assert.Equal(t, result.TransactionID, toEntries[0].TransactionID)

	events := h.pub.published(domain.TopicTransferEvents)
	require.Len(t, events, 1)
}

func TestTransfer_BalanceConservation(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "500")
	ctx := context.Background()

	for i, amount := range []string{"100", "250.50", "0.01"} {
		_, _, err := h.engine.Transfer(ctx, transferReq(amount, "conserve-"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	from, _ := h.store.GetAccount(ctx, acctA)
	to, _ := h.store.GetAccount(ctx, acctB)
	assert.True(t, from.Balance.Add(to.Balance).Equal(dec("1500")),
		"total %s", from.Balance.Add(to.Balance))
}

func TestTransfer_DuplicateKeyReplaysCachedResult(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")
	ctx := context.Background()

	first, replayed, err := h.engine.Transfer(ctx, transferReq("300", "k1"))
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := h.engine.Transfer(ctx, transferReq("300", "k1"))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	// Funds moved exactly once.
	from, _ := h.store.GetAccount(ctx, acctA)
	assert.True(t, from.Balance.Equal(dec("700")))
	entries, _ := h.store.ListEntries(ctx, from.ID, store.EntryFilter{})
	assert.Len(t, entries, 1)
}

func TestTransfer_ConcurrentSameKeyExecutesOnce(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")
	ctx := context.Background()

	const workers = 4
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = h.engine.Transfer(ctx, transferReq("300", "k-race"))
		}(i)
	}
	wg.Wait()

	// Every contender either got the (possibly replayed) result or saw the
	// reservation still in flight; none may run the transfer twice.
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrRequestInProgress)
		}
	}
	from, _ := h.store.GetAccount(ctx, acctA)
	assert.True(t, from.Balance.Equal(dec("700")), "from balance %s", from.Balance)
	entries, _ := h.store.ListEntries(ctx, from.ID, store.EntryFilter{})
	assert.Len(t, entries, 1)
}

func TestTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "1000")
	ctx := context.Background()

	reverse := domain.TransferRequest{
		FromAccountNumber: acctB,
		ToAccountNumber:   acctA,
		Amount:            dec("100"),
		IdempotencyKey:    "k-rev",
		ActorID:           2,
	}

	var wg sync.WaitGroup
	var errAB, errBA error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, errAB = h.engine.Transfer(ctx, transferReq("250", "k-fwd"))
	}()
	go func() {
		defer wg.Done()
		_, _, errBA = h.engine.Transfer(ctx, reverse)
	}()
	wg.Wait()

	require.NoError(t, errAB)
	require.NoError(t, errBA)

	from, _ := h.store.GetAccount(ctx, acctA)
	to, _ := h.store.GetAccount(ctx, acctB)
	assert.True(t, from.Balance.Equal(dec("850")), "A balance %s", from.Balance)
	assert.True(t, to.Balance.Equal(dec("1150")), "B balance %s", to.Balance)
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "100", "0")
	ctx := context.Background()

	_, _, err := h.engine.Transfer(ctx, transferReq("100.01", "k1"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	from, _ := h.store.GetAccount(ctx, acctA)
	to, _ := h.store.GetAccount(ctx, acctB)
	assert.True(t, from.Balance.Equal(dec("100")))
	assert.True(t, to.Balance.Equal(dec("0")))
	entries, _ := h.store.ListEntries(ctx, from.ID, store.EntryFilter{})
	assert.Empty(t, entries)

	// The key was released, so a corrected retry with the same key works.
	_, replayed, err := h.engine.Transfer(ctx, transferReq("50", "k1"))
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestTransfer_DailyLimitExceeded(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000000", "0")
	ctx := context.Background()
	now := time.Now()

	h.store.MutateAccount(acctA, func(a *domain.Account) {
		a.DailyUsedAmount = dec("999950")
		a.LastUsedAt = &now
	})

	_, _, err := h.engine.Transfer(ctx, transferReq("100", "k1"))
	require.ErrorIs(t, err, domain.ErrLimitExceeded)

	var limitErr *domain.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, domain.LimitDaily, limitErr.Kind)
	assert.True(t, limitErr.Used.Equal(dec("999950")))

	from, _ := h.store.GetAccount(ctx, acctA)
	assert.True(t, from.Balance.Equal(dec("1000000")))
}

func TestTransfer_DailyLimitResetsOnNewDay(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000000", "0")
	ctx := context.Background()
	yesterday := time.Now().Add(-24 * time.Hour)

	h.store.MutateAccount(acctA, func(a *domain.Account) {
		a.DailyUsedAmount = dec("1000000")
		a.LastUsedAt = &yesterday
	})

	_, _, err := h.engine.Transfer(ctx, transferReq("100", "k1"))
	require.NoError(t, err)

	from, _ := h.store.GetAccount(ctx, acctA)
	assert.True(t, from.DailyUsedAmount.Equal(dec("100")), "daily used %s", from.DailyUsedAmount)
}

func TestTransfer_MonthlyLimitExceeded(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000000", "0")
	ctx := context.Background()
	now := time.Now()

	h.store.MutateAccount(acctA, func(a *domain.Account) {
		a.MonthlyUsedAmount = dec("9999950")
		a.LastUsedAt = &now
	})

	_, _, err := h.engine.Transfer(ctx, transferReq("100", "k1"))
	require.ErrorIs(t, err, domain.ErrLimitExceeded)

	var limitErr *domain.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, domain.LimitMonthly, limitErr.Kind)
}

func TestTransfer_SelfTransferRejected(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")

	req := transferReq("100", "k1")
	req.ToAccountNumber = req.FromAccountNumber
	_, _, err := h.engine.Transfer(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrSelfTransfer)
}

func TestTransfer_AmountBounds(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "0.001", "10000000.01"} {
		_, _, err := h.engine.Transfer(ctx, transferReq(amount, "k-"+amount))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, "amount %s", amount)
	}
}

func TestTransfer_MissingIdempotencyKey(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")

	_, _, err := h.engine.Transfer(context.Background(), transferReq("100", ""))
	require.ErrorIs(t, err, domain.ErrMissingIdempotency)
}

func TestTransfer_InactiveAccount(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")
	ctx := context.Background()

	h.store.MutateAccount(acctB, func(a *domain.Account) {
		a.Status = domain.AccountSuspended
	})

	_, _, err := h.engine.Transfer(ctx, transferReq("100", "k1"))
	require.ErrorIs(t, err, domain.ErrInactiveAccount)
}

func TestTransfer_ActorMustOwnSourceAccount(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")

	req := transferReq("100", "k1")
	req.ActorID = 42
	_, _, err := h.engine.Transfer(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestTransfer_UnknownAccount(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")

	req := transferReq("100", "k1")
	req.ToAccountNumber = "BNK9999999999999"
	_, _, err := h.engine.Transfer(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTransfer_StorageFailureLeavesNoPartialState(t *testing.T) {
	h := newTransferHarness(t)
	h.seedPair(t, "1000", "0")
	ctx := context.Background()

	h.store.FailOn("InsertEntry")
	_, _, err := h.engine.Transfer(ctx, transferReq("300", "k1"))
	require.Error(t, err)

	from, _ := h.store.GetAccount(ctx, acctA)
	to, _ := h.store.GetAccount(ctx, acctB)
	assert.True(t, from.Balance.Equal(dec("1000")))
	assert.True(t, to.Balance.Equal(dec("0")))
	entries, _ := h.store.ListEntries(ctx, from.ID, store.EntryFilter{})
	assert.Empty(t, entries)

	// No event for a failed transfer.
	assert.Empty(t, h.pub.published(domain.TopicTransferEvents))

	// And the key is reusable once storage recovers.
	h.store.ClearFail("InsertEntry")
	_, replayed, err := h.engine.Transfer(ctx, transferReq("300", "k1"))
	require.NoError(t, err)
	assert.False(t, replayed)
}
