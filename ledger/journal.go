/*
journal.go - Persistence interfaces for accounts and journal entries

PURPOSE:
  Defines the boundary between the engine and storage. The engine never
  touches SQL or maps directly; it calls these interfaces. Implementations
  live in ledger/store (memory), store/sqlite and store/postgres.

APPEND-ONLY CONTRACT:
  - Append / AppendWithdrawal are the only inserts
  - CompareAndCancel is the only update, and only sets cancellation fields
  - NO Delete() exists

ATOMICITY CONTRACT:
  Append:           entry is visible entirely or not at all
  AppendWithdrawal: compare-and-append keyed by account. The balance check
                    and the insert happen under one per-account critical
                    section; two racing withdrawals can never both pass
                    against the same pre-insert balance
  CompareAndCancel: CAS from "not cancelled" to "cancelled", at most once

ISOLATION:
  Operations on different accounts must not block each other.

SEE ALSO:
  - ledger/store/memory.go: In-memory implementation
  - store/sqlite/sqlite.go: SQLite implementation
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// AccountStore resolves accounts by alternate key.
type AccountStore interface {
	// Resolve returns ErrAccountNotFound when no account matches.
	Resolve(ctx context.Context, lookup AccountLookup) (Account, error)
}

// AccountDirectory extends AccountStore with provisioning, used by the HTTP
// layer and the audit job. The engine itself only needs Resolve.
type AccountDirectory interface {
	AccountStore

	SaveAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, id AccountID) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
}

// =============================================================================
// JOURNAL
// =============================================================================

// Journal stores transactions. Append-only apart from cancellation.
type Journal interface {
	// Append persists a deposit. Returns ErrDuplicatePayment when a
	// non-cancelled deposit for the same account and payment id exists.
	Append(ctx context.Context, tx Transaction) (Transaction, error)

	// AppendWithdrawal persists a withdrawal only if the account's current
	// balance covers it, else returns *InsufficientFundsError.
	AppendWithdrawal(ctx context.Context, tx Transaction) (Transaction, error)

	// FindByID returns ErrTransactionNotFound for unknown ids.
	FindByID(ctx context.Context, id TransactionID) (Transaction, error)

	// CompareAndCancel marks the transaction cancelled if it exists and is
	// not cancelled yet. Returns false otherwise.
	CompareAndCancel(ctx context.Context, id TransactionID, reason string, now time.Time) (bool, error)

	// ListActive returns the account's non-cancelled entries in insertion order.
	ListActive(ctx context.Context, accountID AccountID) ([]Transaction, error)
}

// HistoryJournal extends Journal with full history reads (cancelled
// entries included) for display.
type HistoryJournal interface {
	Journal

	ListByAccount(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)
}
