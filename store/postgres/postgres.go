/*
Package postgres provides the PostgreSQL implementation of the ledger
storage interfaces.

PURPOSE:
  Production backend. Same tables as store/sqlite; concurrency comes from
  row locks instead of a process mutex, so writes on different accounts
  never wait for each other.

PER-ACCOUNT SERIALIZATION:
  AppendWithdrawal and CompareAndCancel open a transaction and lock the
  account row first:

      SELECT id FROM accounts WHERE id = $1 FOR UPDATE

  The balance fold and the insert (or the cancel update) then run while
  the lock is held. A second writer on the same account blocks on that
  row until the first commits, and then folds the committed state.

ERROR MAPPING:
  40001 serialization_failure   -> ledger.ErrConflict (retried)
  40P01 deadlock_detected       -> ledger.ErrConflict (retried)
  55P03 lock_not_available      -> ledger.ErrConflict (retried)
  23505 on the payment index    -> ledger.ErrDuplicatePayment
  pgx.ErrNoRows                 -> ledger.ErrAccountNotFound / ErrTransactionNotFound

USAGE:
  pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 10)
  store := postgres.New(pool)
  if err := store.Migrate(ctx); err != nil { ... }
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/ledger"
)

// Store implements ledger.AccountDirectory and ledger.HistoryJournal.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ledger.AccountDirectory = (*Store)(nil)
	_ ledger.HistoryJournal   = (*Store)(nil)
)

// NewPool connects to PostgreSQL and verifies the connection.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	log.Info("Connected to PostgreSQL")
	return pool, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	phone TEXT UNIQUE,
	card TEXT UNIQUE,
	email TEXT UNIQUE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	email_notification BOOLEAN NOT NULL DEFAULT FALSE,
	phone_notification BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL CHECK (kind IN ('deposit', 'withdrawal')),
	points_amount BIGINT NOT NULL CHECK (points_amount > 0),
	description TEXT NOT NULL,
	rule_id TEXT,
	payment_id TEXT,
	payment_amount NUMERIC(20, 4),
	payment_time TIMESTAMPTZ,
	canceled_at TIMESTAMPTZ,
	cancellation_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK ((kind = 'deposit') = (payment_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_active
	ON transactions(account_id, seq) WHERE canceled_at IS NULL;

CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_payment
	ON transactions(account_id, payment_id)
	WHERE kind = 'deposit' AND canceled_at IS NULL;
`

// =============================================================================
// ACCOUNTS
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			phone = EXCLUDED.phone,
			card = EXCLUDED.card,
			email = EXCLUDED.email,
			active = EXCLUDED.active,
			email_notification = EXCLUDED.email_notification,
			phone_notification = EXCLUDED.phone_notification
	`, string(a.ID), nullable(a.Phone), nullable(a.Card), nullable(a.Email),
		a.Active, a.EmailNotification, a.PhoneNotification, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: contact already belongs to another account", ledger.ErrInvalidArgument)
		}
		return mapError("save account", err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, string(id)))
}

// ListAccounts returns all accounts, oldest first.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
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
	var column string
	switch lookup.Type {
	case ledger.KeyPhone:
		column = "phone"
	case ledger.KeyCard:
		column = "card"
	case ledger.KeyEmail:
		column = "email"
	default:
		return ledger.Account{}, fmt.Errorf("%w: unsupported account type %q", ledger.ErrInvalidArgument, lookup.Type)
	}
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+column+` = $1`, lookup.Value))
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a                  ledger.Account
		id                 string
		phone, card, email *string
	)
	err := row.Scan(&id, &phone, &card, &email, &a.Active, &a.EmailNotification, &a.PhoneNotification, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapError("scan account", err)
	}
	a.ID = ledger.AccountID(id)
	a.Phone = deref(phone)
	a.Card = deref(card)
	a.Email = deref(email)
	return a, nil
}

// =============================================================================
// JOURNAL
// =============================================================================

const txColumns = `id, account_id, kind, points_amount, description, rule_id, payment_id,
	payment_amount::text, payment_time, canceled_at, cancellation_reason, created_at`

// Append inserts a deposit. The partial unique index rejects a second live
// deposit for the same payment.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Kind != ledger.KindDeposit {
		return ledger.Transaction{}, fmt.Errorf("%w: expected deposit, got %s", ledger.ErrInvalidArgument, tx.Kind)
	}
	if err := insert(ctx, s.pool, tx); err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

// AppendWithdrawal locks the account row, folds the balance and inserts.
func (s *Store) AppendWithdrawal(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Kind != ledger.KindWithdrawal {
		return ledger.Transaction{}, fmt.Errorf("%w: expected withdrawal, got %s", ledger.ErrInvalidArgument, tx.Kind)
	}

	err := s.withAccountLock(ctx, tx.AccountID, func(dbTx pgx.Tx) error {
		summary, err := summarize(ctx, dbTx, tx.AccountID)
		if err != nil {
			return err
		}
		if summary.Net < tx.PointsAmount {
			return &ledger.InsufficientFundsError{
				AccountID: tx.AccountID,
				Available: summary.Balance(),
				Requested: tx.PointsAmount,
			}
		}
		return insert(ctx, dbTx, tx)
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

// CompareAndCancel sets the cancellation columns once, under the owning
// account's row lock.
func (s *Store) CompareAndCancel(ctx context.Context, id ledger.TransactionID, reason string, now time.Time) (bool, error) {
	var accountID string
	err := s.pool.QueryRow(ctx, `SELECT account_id FROM transactions WHERE id = $1`, string(id)).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError("find transaction", err)
	}

	var canceled bool
	err = s.withAccountLock(ctx, ledger.AccountID(accountID), func(dbTx pgx.Tx) error {
		tag, err := dbTx.Exec(ctx, `
			UPDATE transactions
			SET canceled_at = $2, cancellation_reason = $3
			WHERE id = $1 AND canceled_at IS NULL
		`, string(id), now, reason)
		if err != nil {
			return mapError("cancel transaction", err)
		}
		canceled = tag.RowsAffected() == 1
		return nil
	})
	return canceled, err
}

// FindByID retrieves a transaction, cancelled or not.
func (s *Store) FindByID(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	txs, err := s.query(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, string(id))
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

// ListActive returns non-cancelled entries in insertion order.
func (s *Store) ListActive(ctx context.Context, accountID ledger.AccountID) ([]ledger.Transaction, error) {
	return s.query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1 AND canceled_at IS NULL
		ORDER BY seq
	`, string(accountID))
}

// ListByAccount returns the full history, newest first. limit <= 0 means all.
func (s *Store) ListByAccount(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, string(accountID), lim)
}

// withAccountLock runs fn in a transaction holding the account row lock.
func (s *Store) withAccountLock(ctx context.Context, accountID ledger.AccountID, fn func(pgx.Tx) error) error {
	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer dbTx.Rollback(ctx)

	var locked string
	err = dbTx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, string(accountID)).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return mapError("lock account", err)
	}

	if err := fn(dbTx); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insert(ctx context.Context, db querier, tx ledger.Transaction) error {
	var ruleID, paymentID, paymentAmount *string
	var paymentTime *time.Time
	if d := tx.Deposit; d != nil {
		ruleID, paymentID = &d.RuleID, &d.PaymentID
		amount := d.PaymentAmount.String()
		paymentAmount = &amount
		pt := d.PaymentTime
		paymentTime = &pt
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(ctx, `
		INSERT INTO transactions
		(id, account_id, kind, points_amount, description, rule_id, payment_id, payment_amount, payment_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)
	`, string(tx.ID), string(tx.AccountID), string(tx.Kind), tx.PointsAmount, tx.Description,
		ruleID, paymentID, paymentAmount, paymentTime, tx.CreatedAt)
	if err != nil {
		if tx.Deposit != nil && isUniqueViolation(err, "idx_unique_active_payment") {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicatePayment, tx.Deposit.PaymentID)
		}
		return mapError("append transaction", err)
	}
	return nil
}

func summarize(ctx context.Context, db querier, accountID ledger.AccountID) (ledger.Summary, error) {
	s := ledger.Summary{AccountID: accountID}
	err := db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(points_amount) FILTER (WHERE kind = 'deposit'), 0),
			COALESCE(SUM(points_amount) FILTER (WHERE kind = 'withdrawal'), 0),
			COUNT(*)
		FROM transactions
		WHERE account_id = $1 AND canceled_at IS NULL
	`, string(accountID)).Scan(&s.Deposited, &s.Withdrawn, &s.Entries)
	if err != nil {
		return ledger.Summary{}, mapError("summarize account", err)
	}
	s.Net = s.Deposited - s.Withdrawn
	return s, nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError("query transactions", err)
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("query transactions", err)
	}
	return result, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx                               ledger.Transaction
		id, accountID, kind              string
		ruleID, paymentID, paymentAmount *string
		cancelReason                     *string
		paymentTime, canceledAt          *time.Time
	)
	err := row.Scan(&id, &accountID, &kind, &tx.PointsAmount, &tx.Description,
		&ruleID, &paymentID, &paymentAmount, &paymentTime, &canceledAt, &cancelReason, &tx.CreatedAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ID = ledger.TransactionID(id)
	tx.AccountID = ledger.AccountID(accountID)
	tx.Kind = ledger.Kind(kind)
	if tx.Kind == ledger.KindDeposit {
		amount, err := decimal.NewFromString(deref(paymentAmount))
		if err != nil {
			return tx, fmt.Errorf("failed to parse payment amount of %s: %w", id, err)
		}
		tx.Deposit = &ledger.DepositDetails{
			RuleID:        deref(ruleID),
			PaymentID:     deref(paymentID),
			PaymentAmount: amount,
		}
		if paymentTime != nil {
			tx.Deposit.PaymentTime = paymentTime.UTC()
		}
	}
	if canceledAt != nil {
		at := canceledAt.UTC()
		tx.CanceledAt = &at
		tx.CancellationReason = deref(cancelReason)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapError classifies driver errors. Lock and serialization failures
// become ledger.ErrConflict so the engine retries them.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s: %s", ledger.ErrConflict, op, pgErr.Message)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// isUniqueViolation reports a 23505 error, optionally on a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
