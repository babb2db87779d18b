/*
engine.go - Deposit, Withdraw and Cancel orchestration

PURPOSE:
  The Engine is the only component that changes ledger state. It validates
  requests, resolves the account, asks the rule evaluator for points,
  writes through the Journal and hands notification intents to a Notifier.

OPERATION FLOW:
  Deposit:  lookup -> active? -> fields present? -> rule -> fits? ->
            Append -> notify
  Withdraw: lookup -> active? -> fields present? -> amount > 0? ->
            AppendWithdrawal (balance check + insert, one atomic step)
  Cancel:   reason? -> id? -> CompareAndCancel

FAILURE SEMANTICS:
  Validation fails before any store access. Nothing is partially applied:
  either the single journal write commits or ledger state is unchanged.
  Store conflicts (ErrConflict) are retried up to MaxConflictRetries
  times, then surface as ErrLedgerUnavailable together with any other
  unexpected store failure.

NOTIFICATIONS:
  After a deposit commits, the balance is folded again (never reused from
  before the write) and one intent per enabled channel is emitted.
  Emit errors are logged and dropped; the deposit already succeeded.

SEE ALSO:
  - journal.go: Store contracts the engine relies on
  - notify.go: Intent construction
  - rewards/: Rule evaluator implementation
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultMaxConflictRetries bounds retries of conflicting store writes.
const DefaultMaxConflictRetries = 3

// RuleEvaluator maps a payment to awarded points. Implementations must be
// pure and return ErrUnknownRule for unknown rule ids.
type RuleEvaluator interface {
	Evaluate(ruleID string, paymentAmount decimal.Decimal, paymentTime time.Time, paymentID string) (int64, error)
}

// Engine orchestrates ledger operations. Safe for concurrent use; all
// shared state lives behind the Journal.
type Engine struct {
	Accounts AccountStore
	Journal  Journal
	Rules    RuleEvaluator
	Notifier Notifier // optional

	MaxConflictRetries int
	Now                func() time.Time
	Logger             logrus.FieldLogger
}

// NewEngine wires an engine with default retry policy and clock.
func NewEngine(accounts AccountStore, journal Journal, rules RuleEvaluator, notifier Notifier) *Engine {
	return &Engine{
		Accounts:           accounts,
		Journal:            journal,
		Rules:              rules,
		Notifier:           notifier,
		MaxConflictRetries: DefaultMaxConflictRetries,
		Now:                time.Now,
		Logger:             logrus.StandardLogger(),
	}
}

// =============================================================================
// DEPOSIT
// =============================================================================

// Deposit credits points for a payment.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (Transaction, error) {
	log := e.log().WithFields(logrus.Fields{
		"op":         "deposit",
		"account":    req.Account.String(),
		"rule":       req.RuleID,
		"payment_id": req.PaymentID,
	})
	log.WithField("payment_amount", req.PaymentAmount.String()).Info("Deposit transaction input")

	account, err := e.resolveActive(ctx, req.Account)
	if err != nil {
		log.WithError(err).Info("Deposit rejected")
		return Transaction{}, err
	}

	if err := validateDeposit(req); err != nil {
		log.WithError(err).Info("Deposit rejected")
		return Transaction{}, err
	}

	points, err := e.Rules.Evaluate(req.RuleID, req.PaymentAmount, req.PaymentTime, req.PaymentID)
	if err != nil {
		if !isDomainError(err) {
			err = fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		log.WithError(err).Info("Deposit rejected")
		return Transaction{}, err
	}
	if points <= 0 {
		log.WithField("points", points).Info("Payment earns no points")
		return Transaction{}, fmt.Errorf("%w: rule %q awards %d points", ErrInvalidAmount, req.RuleID, points)
	}

	current, err := e.Summary(ctx, account.ID)
	if err != nil {
		log.WithError(err).Warn("Deposit failed")
		return Transaction{}, err
	}
	if !current.CanCredit(points) {
		log.WithFields(logrus.Fields{"points": points, "deposited": current.Deposited}).Warn("Deposit would overflow account total")
		return Transaction{}, fmt.Errorf("%w: %d points would overflow the account total", ErrInvalidAmount, points)
	}

	tx := Transaction{
		ID:           NewTransactionID(),
		AccountID:    account.ID,
		Kind:         KindDeposit,
		PointsAmount: points,
		Description:  req.Description,
		Deposit: &DepositDetails{
			RuleID:        req.RuleID,
			PaymentID:     req.PaymentID,
			PaymentAmount: req.PaymentAmount,
			PaymentTime:   req.PaymentTime,
		},
		CreatedAt: e.now(),
	}

	var saved Transaction
	err = e.withRetry(ctx, "deposit", func() error {
		var appendErr error
		saved, appendErr = e.Journal.Append(ctx, tx)
		return appendErr
	})
	if err != nil {
		log.WithError(err).Warn("Deposit failed")
		return Transaction{}, err
	}

	log.WithFields(logrus.Fields{"tx": saved.ID, "points": saved.PointsAmount}).Info("Deposit recorded")
	e.notifyReceived(ctx, account, saved)
	return saved, nil
}

func validateDeposit(req DepositRequest) error {
	var missing []string
	if strings.TrimSpace(req.RuleID) == "" {
		missing = append(missing, "loyalty_points_rule")
	}
	if strings.TrimSpace(req.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		missing = append(missing, "payment_id")
	}
	if !req.PaymentAmount.IsPositive() {
		missing = append(missing, "payment_amount")
	}
	if req.PaymentTime.IsZero() {
		missing = append(missing, "payment_time")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(missing, ", "))
	}
	return nil
}

// =============================================================================
// WITHDRAW
// =============================================================================

// Withdraw spends points. The balance check runs inside the store's
// compare-and-append, so concurrent withdrawals cannot overdraw.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (Transaction, error) {
	log := e.log().WithFields(logrus.Fields{
		"op":      "withdraw",
		"account": req.Account.String(),
		"points":  req.PointsAmount,
	})
	log.Info("Withdraw loyalty points transaction input")

	account, err := e.resolveActive(ctx, req.Account)
	if err != nil {
		log.WithError(err).Info("Withdraw rejected")
		return Transaction{}, err
	}

	if strings.TrimSpace(req.Description) == "" {
		return Transaction{}, fmt.Errorf("%w: description", ErrInvalidArgument)
	}
	if req.PointsAmount <= 0 {
		log.Info("Wrong loyalty points amount")
		return Transaction{}, fmt.Errorf("%w: %d", ErrInvalidAmount, req.PointsAmount)
	}

	tx := Transaction{
		ID:           NewTransactionID(),
		AccountID:    account.ID,
		Kind:         KindWithdrawal,
		PointsAmount: req.PointsAmount,
		Description:  req.Description,
		CreatedAt:    e.now(),
	}

	var saved Transaction
	err = e.withRetry(ctx, "withdraw", func() error {
		var appendErr error
		saved, appendErr = e.Journal.AppendWithdrawal(ctx, tx)
		return appendErr
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			log.WithError(err).Info("Insufficient funds")
		} else {
			log.WithError(err).Warn("Withdraw failed")
		}
		return Transaction{}, err
	}

	log.WithField("tx", saved.ID).Info("Withdrawal recorded")
	return saved, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel marks a transaction cancelled. A transaction that is already
// cancelled is reported exactly like one that never existed.
func (e *Engine) Cancel(ctx context.Context, id TransactionID, reason string) error {
	log := e.log().WithFields(logrus.Fields{"op": "cancel", "tx": id})

	if strings.TrimSpace(reason) == "" {
		return ErrMissingReason
	}
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: transaction_id", ErrInvalidArgument)
	}

	var canceled bool
	err := e.withRetry(ctx, "cancel", func() error {
		var casErr error
		canceled, casErr = e.Journal.CompareAndCancel(ctx, id, reason, e.now())
		return casErr
	})
	if err != nil {
		log.WithError(err).Warn("Cancel failed")
		return err
	}
	if !canceled {
		log.Info("Transaction is not found")
		return ErrTransactionNotFound
	}

	log.WithField("reason", reason).Info("Transaction cancelled")
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the spendable balance of an account.
func (e *Engine) Balance(ctx context.Context, accountID AccountID) (int64, error) {
	s, err := e.Summary(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return s.Balance(), nil
}

// Summary returns the folded journal state of an account.
func (e *Engine) Summary(ctx context.Context, accountID AccountID) (Summary, error) {
	bc := BalanceCalculator{Journal: e.Journal}
	var s Summary
	err := e.withRetry(ctx, "summary", func() error {
		var sumErr error
		s, sumErr = bc.Summary(ctx, accountID)
		return sumErr
	})
	return s, err
}

// Resolve looks an account up without the active check.
func (e *Engine) Resolve(ctx context.Context, lookup AccountLookup) (Account, error) {
	if err := lookup.validate(); err != nil {
		return Account{}, err
	}
	lookup.Type, _ = ParseKeyType(string(lookup.Type))

	var account Account
	err := e.withRetry(ctx, "resolve", func() error {
		var resolveErr error
		account, resolveErr = e.Accounts.Resolve(ctx, lookup)
		return resolveErr
	})
	return account, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) resolveActive(ctx context.Context, lookup AccountLookup) (Account, error) {
	account, err := e.Resolve(ctx, lookup)
	if err != nil {
		return Account{}, err
	}
	if !account.Active {
		return Account{}, ErrAccountInactive
	}
	return account, nil
}

func (e *Engine) notifyReceived(ctx context.Context, account Account, tx Transaction) {
	if e.Notifier == nil {
		return
	}
	log := e.log().WithFields(logrus.Fields{"account": account.ID, "tx": tx.ID})

	balance, err := e.Balance(ctx, account.ID)
	if err != nil {
		log.WithError(err).Warn("Skipping notification, balance unavailable")
		return
	}
	for _, intent := range PointsReceivedIntents(account, tx, balance, e.now()) {
		if err := e.Notifier.Emit(ctx, intent); err != nil {
			log.WithError(err).WithField("kind", intent.Kind).Warn("Notification not delivered")
		}
	}
}

// withRetry runs fn, retrying store conflicts. Domain errors pass through;
// anything else becomes ErrLedgerUnavailable.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	retries := e.MaxConflictRetries
	if retries < 0 {
		retries = 0
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			break
		}
		if attempt >= retries || ctx.Err() != nil {
			return fmt.Errorf("%w: %s gave up after %d attempts: %w", ErrLedgerUnavailable, op, attempt+1, err)
		}
		e.log().WithFields(logrus.Fields{"op": op, "attempt": attempt + 1}).Debug("Retrying after conflict")
	}

	if isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, op, err)
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}
