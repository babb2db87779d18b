// Package store provides in-process ledger.Journal and ledger.AccountStore
// implementations.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps accounts and journals in maps. Each account's journal has its
// own lock; the store-wide lock only guards the maps and is never held while
// waiting on a journal lock.
type Memory struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]ledger.Account
	journals map[ledger.AccountID]*accountJournal
	index    map[ledger.TransactionID]ledger.AccountID
}

type accountJournal struct {
	mu      sync.RWMutex
	entries []ledger.Transaction
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		journals: make(map[ledger.AccountID]*accountJournal),
		index:    make(map[ledger.TransactionID]ledger.AccountID),
	}
}

var (
	_ ledger.AccountDirectory = (*Memory)(nil)
	_ ledger.HistoryJournal   = (*Memory)(nil)
)

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) SaveAccount(_ context.Context, account ledger.Account) error {
	if account.ID == "" {
		return fmt.Errorf("%w: account id is required", ledger.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, other := range m.accounts {
		if id == account.ID {
			continue
		}
		for _, kt := range []ledger.KeyType{ledger.KeyPhone, ledger.KeyCard, ledger.KeyEmail} {
			if v := account.Key(kt); v != "" && other.Key(kt) == v {
				return fmt.Errorf("%w: %s %q already belongs to another account", ledger.ErrInvalidArgument, kt, v)
			}
		}
	}

	if existing, ok := m.accounts[account.ID]; ok {
		account.CreatedAt = existing.CreatedAt
	} else if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return account, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	return result, nil
}

// Resolve matches the key value exactly.
func (m *Memory) Resolve(_ context.Context, lookup ledger.AccountLookup) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.accounts {
		if v := a.Key(lookup.Type); v != "" && v == lookup.Value {
			return a, nil
		}
	}
	return ledger.Account{}, ledger.ErrAccountNotFound
}

// =============================================================================
// JOURNAL
// =============================================================================

// Append adds a deposit. Withdrawals must go through AppendWithdrawal.
func (m *Memory) Append(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Kind != ledger.KindDeposit {
		return ledger.Transaction{}, fmt.Errorf("%w: expected deposit, got %s", ledger.ErrInvalidArgument, tx.Kind)
	}
	j := m.journalFor(tx.AccountID)

	j.mu.Lock()
	for _, e := range j.entries {
		if e.Kind == ledger.KindDeposit && !e.IsCanceled() && e.Deposit.PaymentID == tx.Deposit.PaymentID {
			j.mu.Unlock()
			return ledger.Transaction{}, fmt.Errorf("%w: %s", ledger.ErrDuplicatePayment, tx.Deposit.PaymentID)
		}
	}
	if !ledger.Fold(tx.AccountID, j.entries).CanCredit(tx.PointsAmount) {
		j.mu.Unlock()
		return ledger.Transaction{}, fmt.Errorf("%w: %d points would overflow the account total", ledger.ErrInvalidAmount, tx.PointsAmount)
	}
	j.entries = append(j.entries, clone(tx))
	j.mu.Unlock()

	m.indexTx(tx)
	return clone(tx), nil
}

// AppendWithdrawal checks the balance and appends under the account's lock.
func (m *Memory) AppendWithdrawal(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Kind != ledger.KindWithdrawal {
		return ledger.Transaction{}, fmt.Errorf("%w: expected withdrawal, got %s", ledger.ErrInvalidArgument, tx.Kind)
	}
	j := m.journalFor(tx.AccountID)

	j.mu.Lock()
	summary := ledger.Fold(tx.AccountID, j.entries)
	if summary.Net < tx.PointsAmount {
		j.mu.Unlock()
		return ledger.Transaction{}, &ledger.InsufficientFundsError{
			AccountID: tx.AccountID,
			Available: summary.Balance(),
			Requested: tx.PointsAmount,
		}
	}
	j.entries = append(j.entries, clone(tx))
	j.mu.Unlock()

	m.indexTx(tx)
	return clone(tx), nil
}

func (m *Memory) FindByID(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	j, ok := m.journalOf(id)
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, e := range j.entries {
		if e.ID == id {
			return clone(e), nil
		}
	}
	return ledger.Transaction{}, ledger.ErrTransactionNotFound
}

// CompareAndCancel sets the cancellation fields once.
func (m *Memory) CompareAndCancel(_ context.Context, id ledger.TransactionID, reason string, now time.Time) (bool, error) {
	j, ok := m.journalOf(id)
	if !ok {
		return false, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.entries {
		if j.entries[i].ID != id {
			continue
		}
		if j.entries[i].IsCanceled() {
			return false, nil
		}
		at := now
		j.entries[i].CanceledAt = &at
		j.entries[i].CancellationReason = reason
		return true, nil
	}
	return false, nil
}

func (m *Memory) ListActive(_ context.Context, accountID ledger.AccountID) ([]ledger.Transaction, error) {
	j, ok := m.lookupJournal(accountID)
	if !ok {
		return nil, nil
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	var result []ledger.Transaction
	for _, e := range j.entries {
		if !e.IsCanceled() {
			result = append(result, clone(e))
		}
	}
	return result, nil
}

// ListByAccount returns the full history, newest first. limit <= 0 means all.
func (m *Memory) ListByAccount(_ context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	j, ok := m.lookupJournal(accountID)
	if !ok {
		return []ledger.Transaction{}, nil
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	n := len(j.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]ledger.Transaction, 0, n)
	for i := len(j.entries) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, clone(j.entries[i]))
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// lookupJournal never creates a journal; reads must not change the store.
func (m *Memory) lookupJournal(accountID ledger.AccountID) (*accountJournal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.journals[accountID]
	return j, ok
}

// journalFor returns the account's journal, creating it on first write.
func (m *Memory) journalFor(accountID ledger.AccountID) *accountJournal {
	m.mu.RLock()
	j, ok := m.journals[accountID]
	m.mu.RUnlock()
	if ok {
		return j
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok = m.journals[accountID]; !ok {
		j = &accountJournal{}
		m.journals[accountID] = j
	}
	return j
}

func (m *Memory) journalOf(id ledger.TransactionID) (*accountJournal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	accountID, ok := m.index[id]
	if !ok {
		return nil, false
	}
	return m.journals[accountID], true
}

func (m *Memory) indexTx(tx ledger.Transaction) {
	m.mu.Lock()
	m.index[tx.ID] = tx.AccountID
	m.mu.Unlock()
}

// clone copies the pointer fields so callers never alias stored entries.
func clone(tx ledger.Transaction) ledger.Transaction {
	if tx.Deposit != nil {
		d := *tx.Deposit
		tx.Deposit = &d
	}
	if tx.CanceledAt != nil {
		at := *tx.CanceledAt
		tx.CanceledAt = &at
	}
	return tx
}
