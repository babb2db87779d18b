/*
Package ledger provides the points ledger engine.

PURPOSE:
  Tracks loyalty points per customer account. Points are earned from
  payments (deposits), spent through withdrawals, and any entry can be
  cancelled later. Balance is never stored: it is folded from the journal
  every time it is needed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: Customer record resolved by phone, card or email
  - Transaction: Journal entry, deposit or withdrawal, possibly cancelled
  - DepositDetails: Payment linkage carried only by deposits
  - Identifiers: Type-safe account and transaction IDs

DESIGN PRINCIPLES:
  1. Append-only: Entries are never deleted, only cancelled
  2. Positive amounts: PointsAmount > 0, the Kind decides the sign
  3. Tagged variant: Deposit payload is present iff Kind == KindDeposit
  4. Precision: Payment amounts use decimal.Decimal

USAGE:
  tx := ledger.Transaction{
      ID:           ledger.NewTransactionID(),
      AccountID:    "acc-1",
      Kind:         ledger.KindWithdrawal,
      PointsAmount: 15,
      Description:  "Coffee",
  }

SEE ALSO:
  - journal.go: Persistence interfaces
  - balance.go: Balance folding
  - engine.go: Deposit, Withdraw, Cancel
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// NewTransactionID returns a fresh random transaction identifier.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// =============================================================================
// ACCOUNT LOOKUP
// =============================================================================

// KeyType names the alternate key an account is looked up by.
type KeyType string

const (
	KeyPhone KeyType = "phone"
	KeyCard  KeyType = "card"
	KeyEmail KeyType = "email"
)

// ParseKeyType matches s case-insensitively against the supported key types.
func ParseKeyType(s string) (KeyType, error) {
	switch KeyType(strings.ToLower(strings.TrimSpace(s))) {
	case KeyPhone:
		return KeyPhone, nil
	case KeyCard:
		return KeyCard, nil
	case KeyEmail:
		return KeyEmail, nil
	}
	return "", fmt.Errorf("%w: unsupported account type %q", ErrInvalidArgument, s)
}

// AccountLookup identifies exactly one account by one of its alternate keys.
type AccountLookup struct {
	Type  KeyType
	Value string
}

func (l AccountLookup) validate() error {
	if _, err := ParseKeyType(string(l.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(l.Value) == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidArgument)
	}
	return nil
}

func (l AccountLookup) String() string { return string(l.Type) + ":" + l.Value }

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is read by the engine, never mutated by it.
// An empty Email or Phone means the holder has no such contact.
type Account struct {
	ID                AccountID
	Phone             string
	Card              string
	Email             string
	Active            bool
	EmailNotification bool
	PhoneNotification bool
	CreatedAt         time.Time
}

// Key returns the value of the given alternate key.
func (a Account) Key(t KeyType) string {
	switch t {
	case KeyPhone:
		return a.Phone
	case KeyCard:
		return a.Card
	case KeyEmail:
		return a.Email
	}
	return ""
}

// =============================================================================
// TRANSACTION - Journal entry
// =============================================================================

type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// DepositDetails links a deposit to the payment it was awarded for.
type DepositDetails struct {
	RuleID        string
	PaymentID     string
	PaymentAmount decimal.Decimal
	PaymentTime   time.Time
}

// Transaction is immutable once recorded except for the cancellation fields,
// which are written exactly once.
type Transaction struct {
	ID           TransactionID
	AccountID    AccountID
	Kind         Kind
	PointsAmount int64
	Description  string

	// Deposit is nil for withdrawals.
	Deposit *DepositDetails

	CanceledAt         *time.Time
	CancellationReason string

	CreatedAt time.Time
}

func (t Transaction) IsCanceled() bool { return t.CanceledAt != nil }

// Signed returns the contribution of t to the balance. Cancelled entries
// contribute zero.
func (t Transaction) Signed() int64 {
	if t.IsCanceled() {
		return 0
	}
	if t.Kind == KindWithdrawal {
		return -t.PointsAmount
	}
	return t.PointsAmount
}

// Validate checks the structural invariants every stored entry must hold.
func (t Transaction) Validate() error {
	if t.ID == "" || t.AccountID == "" {
		return fmt.Errorf("%w: transaction and account id are required", ErrInvalidArgument)
	}
	if t.PointsAmount <= 0 {
		return fmt.Errorf("%w: points amount must be positive, got %d", ErrInvalidAmount, t.PointsAmount)
	}
	switch t.Kind {
	case KindDeposit:
		if t.Deposit == nil {
			return fmt.Errorf("%w: deposit without payment details", ErrInvalidArgument)
		}
	case KindWithdrawal:
		if t.Deposit != nil {
			return fmt.Errorf("%w: withdrawal with payment details", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, t.Kind)
	}
	return nil
}

// =============================================================================
// REQUESTS - Typed operation inputs
// =============================================================================

type DepositRequest struct {
	Account       AccountLookup
	RuleID        string
	Description   string
	PaymentID     string
	PaymentAmount decimal.Decimal
	PaymentTime   time.Time
}

type WithdrawRequest struct {
	Account      AccountLookup
	PointsAmount int64
	Description  string
}
