/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.AccountDirectory and ledger.HistoryJournal on SQLite.
  Intended for local development and single-node deployments; production
  uses store/postgres, which follows the same schema with row locks.

INTERFACES IMPLEMENTED:
  ledger.AccountDirectory: Account provisioning and key lookup
  ledger.HistoryJournal:   Append-only journal with cancel CAS

APPEND-ONLY ENFORCEMENT:
  - INSERT is the only way entries enter the transactions table
  - The single UPDATE sets canceled_at and cancellation_reason, guarded by
    "canceled_at IS NULL", so it can succeed at most once per row
  - No DELETE statements on transactions

KEY TABLES:
  accounts:     Customer records, unique phone / card / email
  transactions: Journal entries, deposits carry payment columns

INDEXES:
  - idx_transactions_account_active: Balance fold (hot path)
  - idx_unique_active_payment: One live deposit per (account, payment)

CONCURRENCY:
  SQLite has a single writer. Writes additionally hold s.mu, and every
  write transaction starts IMMEDIATE (_txlock=immediate) so the balance
  read and the withdrawal insert run under the database write lock even
  across processes. SQLITE_BUSY / SQLITE_LOCKED surface as
  ledger.ErrConflict and are retried by the engine.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, store, rules, notifier)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/journal.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/ledger"
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

var (
	_ ledger.AccountDirectory = (*Store)(nil)
	_ ledger.HistoryJournal   = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		phone TEXT UNIQUE,
		card TEXT UNIQUE,
		email TEXT UNIQUE,
		active INTEGER NOT NULL DEFAULT 1,
		email_notification INTEGER NOT NULL DEFAULT 0,
		phone_notification INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Journal (append-only apart from the cancellation columns)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL CHECK (kind IN ('deposit', 'withdrawal')),
		points_amount INTEGER NOT NULL CHECK (points_amount > 0),
		description TEXT NOT NULL,
		rule_id TEXT,
		payment_id TEXT,
		payment_amount TEXT,
		payment_time TEXT,
		canceled_at TEXT,
		cancellation_reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account_active
		ON transactions(account_id) WHERE canceled_at IS NULL;

	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_payment
		ON transactions(account_id, payment_id)
		WHERE kind = 'deposit' AND canceled_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNT STORE (ledger.AccountDirectory interface)
// =============================================================================

const accountColumns = `id, phone, card, email, active, email_notification, phone_notification, created_at`

// SaveAccount inserts or updates an account. CreatedAt is kept on update.
func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	if a.ID == "" {
		return fmt.Errorf("%w: account id is required", ledger.ErrInvalidArgument)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phone = excluded.phone,
			card = excluded.card,
			email = excluded.email,
			active = excluded.active,
			email_notification = excluded.email_notification,
			phone_notification = excluded.phone_notification
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		nullString(a.Phone),
		nullString(a.Card),
		nullString(a.Email),
		a.Active,
		a.EmailNotification,
		a.PhoneNotification,
		formatTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: contact already belongs to another account", ledger.ErrInvalidArgument)
		}
		return mapError("save account", err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns all accounts, oldest first.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, mapError("list accounts", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Resolve matches the key value exactly.
func (s *Store) Resolve(ctx context.Context, lookup ledger.AccountLookup) (ledger.Account, error) {
	column, err := keyColumn(lookup.Type)
	if err != nil {
		return ledger.Account{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+column+` = ?`, lookup.Value)
	return scanAccount(row)
}

func keyColumn(t ledger.KeyType) (string, error) {
	switch t {
	case ledger.KeyPhone:
		return "phone", nil
	case ledger.KeyCard:
		return "card", nil
	case ledger.KeyEmail:
		return "email", nil
	}
	return "", fmt.Errorf("%w: unsupported account type %q", ledger.ErrInvalidArgument, t)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		a                  ledger.Account
		phone, card, email sql.NullString
		createdAt          string
	)
	err := row.Scan(&a.ID, &phone, &card, &email, &a.Active, &a.EmailNotification, &a.PhoneNotification, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapError("scan account", err)
	}
	a.Phone = phone.String
	a.Card = card.String
	a.Email = email.String
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// =============================================================================
// JOURNAL (ledger.Journal interface)
// =============================================================================

const txColumns = `id, account_id, kind, points_amount, description, rule_id, payment_id,
	payment_amount, payment_time, canceled_at, cancellation_reason, created_at`

// Append adds a deposit to the journal.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Kind != ledger.KindDeposit {
		return ledger.Transaction{}, fmt.Errorf("%w: expected deposit, got %s", ledger.ErrInvalidArgument, tx.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendTx(ctx, s.db, tx); err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

// AppendWithdrawal checks the balance and inserts inside one IMMEDIATE
// transaction.
func (s *Store) AppendWithdrawal(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Kind != ledger.KindWithdrawal {
		return ledger.Transaction{}, fmt.Errorf("%w: expected withdrawal, got %s", ledger.ErrInvalidArgument, tx.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	summary, err := summarize(ctx, sqlTx, tx.AccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if summary.Net < tx.PointsAmount {
		return ledger.Transaction{}, &ledger.InsufficientFundsError{
			AccountID: tx.AccountID,
			Available: summary.Balance(),
			Requested: tx.PointsAmount,
		}
	}

	if err := s.appendTx(ctx, sqlTx, tx); err != nil {
		return ledger.Transaction{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.Transaction{}, mapError("commit withdrawal", err)
	}
	return tx, nil
}

func (s *Store) appendTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, tx ledger.Transaction) error {
	var ruleID, paymentID, paymentAmount, paymentTime sql.NullString
	if d := tx.Deposit; d != nil {
		ruleID = nullString(d.RuleID)
		paymentID = nullString(d.PaymentID)
		paymentAmount = nullString(d.PaymentAmount.String())
		paymentTime = nullString(formatTime(d.PaymentTime))
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (` + txColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
	`

	_, err := db.ExecContext(ctx, query,
		tx.ID,
		tx.AccountID,
		tx.Kind,
		tx.PointsAmount,
		tx.Description,
		ruleID,
		paymentID,
		paymentAmount,
		paymentTime,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && tx.Deposit != nil && strings.Contains(err.Error(), "payment_id") {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicatePayment, tx.Deposit.PaymentID)
		}
		return mapError("append transaction", err)
	}
	return nil
}

// summarize folds the account's live entries in SQL.
func summarize(ctx context.Context, db interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, accountID ledger.AccountID) (ledger.Summary, error) {
	s := ledger.Summary{AccountID: accountID}
	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'deposit' THEN points_amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'withdrawal' THEN points_amount ELSE 0 END), 0),
			COUNT(*)
		FROM transactions
		WHERE account_id = ? AND canceled_at IS NULL
	`, accountID).Scan(&s.Deposited, &s.Withdrawn, &s.Entries)
	if err != nil {
		return ledger.Summary{}, mapError("summarize account", err)
	}
	s.Net = s.Deposited - s.Withdrawn
	return s, nil
}

// FindByID retrieves a transaction, cancelled or not.
func (s *Store) FindByID(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

// CompareAndCancel sets the cancellation columns if they are still empty.
func (s *Store) CompareAndCancel(ctx context.Context, id ledger.TransactionID, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET canceled_at = ?, cancellation_reason = ?
		WHERE id = ? AND canceled_at IS NULL
	`, formatTime(now), reason, id)
	if err != nil {
		return false, mapError("cancel transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("cancel transaction", err)
	}
	return n == 1, nil
}

// ListActive returns non-cancelled entries in insertion order.
func (s *Store) ListActive(ctx context.Context, accountID ledger.AccountID) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = ? AND canceled_at IS NULL
		ORDER BY rowid ASC
	`, accountID)
}

// ListByAccount returns the full history, newest first. limit <= 0 means all.
func (s *Store) ListByAccount(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, accountID, limit)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query transactions", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                                    ledger.Transaction
		ruleID, paymentID, paymentAmount      sql.NullString
		paymentTime, canceledAt, cancelReason sql.NullString
		createdAt                             string
	)

	err := rows.Scan(
		&tx.ID, &tx.AccountID, &tx.Kind, &tx.PointsAmount, &tx.Description,
		&ruleID, &paymentID, &paymentAmount, &paymentTime,
		&canceledAt, &cancelReason, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Kind == ledger.KindDeposit {
		amount, err := decimal.NewFromString(paymentAmount.String)
		if err != nil {
			return tx, fmt.Errorf("failed to parse payment amount of %s: %w", tx.ID, err)
		}
		tx.Deposit = &ledger.DepositDetails{
			RuleID:        ruleID.String,
			PaymentID:     paymentID.String,
			PaymentAmount: amount,
			PaymentTime:   parseTime(paymentTime.String),
		}
	}
	if canceledAt.Valid {
		at := parseTime(canceledAt.String)
		tx.CanceledAt = &at
		tx.CancellationReason = cancelReason.String
	}
	tx.CreatedAt = parseTime(createdAt)

	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// mapError turns lock contention into ledger.ErrConflict.
func mapError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrConflict, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
