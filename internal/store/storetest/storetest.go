// Package storetest provides an in-memory store.Datastore for engine and
// handler tests. WithinTx clones the whole state and swaps it in only on
// success, mirroring the rollback semantics of the real storage layer.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jpark-fin/bankops/internal/domain"
	"github.com/jpark-fin/bankops/internal/store"
)

// ErrInjected is returned by operations armed with FailOn.
var ErrInjected = errors.New("injected storage failure")

type state struct {
	accounts map[string]*domain.Account
	balances map[int64]*domain.AccountBalance
	entries  []*domain.LedgerEntry
	txns     []*domain.Transaction

	nextAccountID int64
	nextEntryID   int64
	nextBalanceID int64
	nextTxnID     int64
}

func newState() *state {
	return &state{
		accounts: make(map[string]*domain.Account),
		balances: make(map[int64]*domain.AccountBalance),
	}
}

func copyAccount(a *domain.Account) *domain.Account {
	cp := *a
	if a.LastUsedAt != nil {
		lu := *a.LastUsedAt
		cp.LastUsedAt = &lu
	}
	return &cp
}

func copyBalance(b *domain.AccountBalance) *domain.AccountBalance {
	cp := *b
	if b.LastTransactionAt != nil {
		lt := *b.LastTransactionAt
		cp.LastTransactionAt = &lt
	}
	return &cp
}

func copyEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	cp := *e
	if e.ReversedAt != nil {
		ra := *e.ReversedAt
		cp.ReversedAt = &ra
	}
	return &cp
}

func (s *state) clone() *state {
	c := newState()
	c.nextAccountID = s.nextAccountID
	c.nextEntryID = s.nextEntryID
	c.nextBalanceID = s.nextBalanceID
	c.nextTxnID = s.nextTxnID
	for k, a := range s.accounts {
		c.accounts[k] = copyAccount(a)
	}
	for k, b := range s.balances {
		c.balances[k] = copyBalance(b)
	}
	for _, e := range s.entries {
		c.entries = append(c.entries, copyEntry(e))
	}
	for _, t := range s.txns {
		cp := *t
		c.txns = append(c.txns, &cp)
	}
	return c
}

// Store is the in-memory datastore.
type Store struct {
	mu     sync.Mutex
	state  *state
	failOn map[string]bool
}

func New() *Store {
	return &Store{state: newState(), failOn: make(map[string]bool)}
}

// FailOn arms the named Tx operation (for example "InsertEntry") to fail
// with ErrInjected.
func (m *Store) FailOn(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[op] = true
}

// ClearFail disarms a previously armed failure.
func (m *Store) ClearFail(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failOn, op)
}

// SeedAccount registers an account and a matching balance projection.
func (m *Store) SeedAccount(a *domain.Account) *domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.nextAccountID++
	a.ID = m.state.nextAccountID
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.state.accounts[a.AccountNumber] = copyAccount(a)

	m.state.nextBalanceID++
	m.state.balances[a.ID] = &domain.AccountBalance{
		ID:               m.state.nextBalanceID,
		AccountID:        a.ID,
		AccountNumber:    a.AccountNumber,
		Balance:          a.Balance,
		AvailableBalance: a.Balance,
		FrozenAmount:     decimal.Zero,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.CreatedAt,
	}
	return a
}

// MutateAccount edits a seeded account in place, bypassing transactions.
func (m *Store) MutateAccount(accountNumber string, fn func(*domain.Account)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state.accounts[accountNumber])
}

// SetProjectionBalance tampers the stored projection, for reconciliation
// drift tests.
func (m *Store) SetProjectionBalance(accountID int64, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.balances[accountID].Balance = balance
}

// DeleteBalance removes a projection row, simulating an account that
// predates the projection table.
func (m *Store) DeleteBalance(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.balances, accountID)
}

func (m *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{state: work, failOn: m.failOn}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *Store) GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.state.accounts[accountNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (m *Store) ListAccountsByOwner(ctx context.Context, ownerID int64) ([]*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Account
	for _, a := range m.state.accounts {
		if a.OwnerID == ownerID && a.Status != domain.AccountClosed {
			out = append(out, copyAccount(a))
		}
	}
	return out, nil
}

func (m *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.state.txns {
		if t.TransactionID == transactionID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (m *Store) ListTransactions(ctx context.Context, accountNumber string, limit, offset int) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Transaction
	for i := len(m.state.txns) - 1; i >= 0; i-- {
		t := m.state.txns[i]
		if t.FromAccountNumber == accountNumber || t.ToAccountNumber == accountNumber {
			cp := *t
			out = append(out, &cp)
		}
	}
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) GetEntry(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.state.entries {
		if e.ID == entryID {
			return copyEntry(e), nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (m *Store) ListEntries(ctx context.Context, accountID int64, f store.EntryFilter) ([]*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.LedgerEntry
	for i := len(m.state.entries) - 1; i >= 0; i-- {
		e := m.state.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if f.EntryType != "" && e.EntryType != f.EntryType {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, copyEntry(e))
	}
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) SumEntries(ctx context.Context, accountID int64, entryType domain.EntryType, status domain.EntryStatus) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, e := range m.state.entries {
		if e.AccountID == accountID && e.EntryType == entryType && e.Status == status {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (m *Store) CountEntries(ctx context.Context, accountID int64, status domain.EntryStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.state.entries {
		if e.AccountID == accountID && e.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Store) GetBalance(ctx context.Context, accountID int64) (*domain.AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.state.balances[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return copyBalance(b), nil
}

type memTx struct {
	state  *state
	failOn map[string]bool
}

func (t *memTx) GetAccountForUpdate(ctx context.Context, accountNumber string) (*domain.Account, error) {
	if t.failOn["GetAccountForUpdate"] {
		return nil, ErrInjected
	}
	a, ok := t.state.accounts[accountNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (t *memTx) InsertAccount(ctx context.Context, a *domain.Account) error {
	if t.failOn["InsertAccount"] {
		return ErrInjected
	}
	if _, exists := t.state.accounts[a.AccountNumber]; exists {
		return fmt.Errorf("duplicate account number %s", a.AccountNumber)
	}
	t.state.nextAccountID++
	a.ID = t.state.nextAccountID
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	t.state.accounts[a.AccountNumber] = copyAccount(a)
	return nil
}

func (t *memTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	if t.failOn["UpdateAccount"] {
		return ErrInjected
	}
	if _, ok := t.state.accounts[a.AccountNumber]; !ok {
		return domain.ErrAccountNotFound
	}
	cp := copyAccount(a)
	cp.UpdatedAt = time.Now()
	t.state.accounts[a.AccountNumber] = cp
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	if t.failOn["InsertTransaction"] {
		return ErrInjected
	}
	for _, existing := range t.state.txns {
		if txn.IdempotencyKey != "" && existing.IdempotencyKey == txn.IdempotencyKey {
			return fmt.Errorf("duplicate idempotency key %s", txn.IdempotencyKey)
		}
	}
	t.state.nextTxnID++
	txn.ID = t.state.nextTxnID
	txn.CreatedAt = time.Now()
	cp := *txn
	t.state.txns = append(t.state.txns, &cp)
	return nil
}

func (t *memTx) GetBalanceForUpdate(ctx context.Context, accountID int64) (*domain.AccountBalance, error) {
	if t.failOn["GetBalanceForUpdate"] {
		return nil, ErrInjected
	}
	b, ok := t.state.balances[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return copyBalance(b), nil
}

func (t *memTx) InsertBalance(ctx context.Context, b *domain.AccountBalance) error {
	if t.failOn["InsertBalance"] {
		return ErrInjected
	}
	t.state.nextBalanceID++
	b.ID = t.state.nextBalanceID
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	t.state.balances[b.AccountID] = copyBalance(b)
	return nil
}

func (t *memTx) UpdateBalance(ctx context.Context, b *domain.AccountBalance) error {
	if t.failOn["UpdateBalance"] {
		return ErrInjected
	}
	if _, ok := t.state.balances[b.AccountID]; !ok {
		return domain.ErrAccountNotFound
	}
	cp := copyBalance(b)
	cp.UpdatedAt = time.Now()
	t.state.balances[b.AccountID] = cp
	return nil
}

func (t *memTx) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	if t.failOn["InsertEntry"] {
		return ErrInjected
	}
	t.state.nextEntryID++
	e.ID = t.state.nextEntryID
	e.CreatedAt = time.Now()
	t.state.entries = append(t.state.entries, copyEntry(e))
	return nil
}

func (t *memTx) GetEntryForUpdate(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	if t.failOn["GetEntryForUpdate"] {
		return nil, ErrInjected
	}
	for _, e := range t.state.entries {
		if e.ID == entryID {
			return copyEntry(e), nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (t *memTx) MarkEntryReversed(ctx context.Context, entryID int64, reversedBy, reason string) error {
	if t.failOn["MarkEntryReversed"] {
		return ErrInjected
	}
	for _, e := range t.state.entries {
		if e.ID == entryID {
			if e.Status != domain.EntryActive {
				return domain.ErrNotReversible
			}
			now := time.Now()
			e.Status = domain.EntryReversed
			e.ReversedAt = &now
			e.ReversedBy = reversedBy
			e.ReversalReason = reason
			return nil
		}
	}
	return domain.ErrEntryNotFound
}
