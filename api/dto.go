/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request field names
  follow the loyalty terminal protocol (account_type, payment_id, ...), so
  existing point-of-sale clients keep working.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Loyalty:
    DepositRequest, WithdrawRequest, CancelRequest, CancelResponse

  Accounts:
    AccountDTO, CreateAccountRequest, BalanceDTO

  Transactions:
    TransactionDTO

  Audit:
    AuditResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Presence checks happen in handlers. Optional-but-required fields are
  pointers so "absent" and "zero" can be told apart.

SEE ALSO:
  - handlers.go: Uses these types
  - rewards/factory.go: RuleJSON returned by GET /api/rules
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// LOYALTY OPERATIONS
// =============================================================================

// DepositRequest credits points for a payment.
type DepositRequest struct {
	AccountType       string           `json:"account_type"`
	AccountID         string           `json:"account_id"`
	LoyaltyPointsRule string           `json:"loyalty_points_rule"`
	Description       string           `json:"description"`
	PaymentID         string           `json:"payment_id"`
	PaymentAmount     *decimal.Decimal `json:"payment_amount"`
	PaymentTime       *time.Time       `json:"payment_time"`
}

// WithdrawRequest spends points.
type WithdrawRequest struct {
	AccountType  string `json:"account_type"`
	AccountID    string `json:"account_id"`
	PointsAmount *int64 `json:"points_amount"`
	Description  string `json:"description"`
}

// CancelRequest voids a transaction.
type CancelRequest struct {
	TransactionID      string `json:"transaction_id"`
	CancellationReason string `json:"cancellation_reason"`
}

type CancelResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents a loyalty account in API responses.
type AccountDTO struct {
	ID                string    `json:"id"`
	Phone             string    `json:"phone,omitempty"`
	Card              string    `json:"card,omitempty"`
	Email             string    `json:"email,omitempty"`
	Active            bool      `json:"active"`
	EmailNotification bool      `json:"email_notification"`
	PhoneNotification bool      `json:"phone_notification"`
	CreatedAt         time.Time `json:"created_at"`
}

// CreateAccountRequest provisions or updates an account. ID is generated
// when empty.
type CreateAccountRequest struct {
	ID                string `json:"id"`
	Phone             string `json:"phone"`
	Card              string `json:"card"`
	Email             string `json:"email"`
	Active            *bool  `json:"active"`
	EmailNotification bool   `json:"email_notification"`
	PhoneNotification bool   `json:"phone_notification"`
}

// BalanceDTO is the folded journal of one account.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Deposited int64  `json:"deposited"`
	Withdrawn int64  `json:"withdrawn"`
	Net       int64  `json:"net"`
	Entries   int    `json:"entries"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents a journal entry in API responses.
type TransactionDTO struct {
	ID                 string     `json:"id"`
	AccountID          string     `json:"account_id"`
	Kind               string     `json:"kind"`
	PointsAmount       int64      `json:"points_amount"`
	Description        string     `json:"description"`
	PointsRule         string     `json:"points_rule,omitempty"`
	PaymentID          string     `json:"payment_id,omitempty"`
	PaymentAmount      string     `json:"payment_amount,omitempty"`
	PaymentTime        *time.Time `json:"payment_time,omitempty"`
	Canceled           bool       `json:"canceled"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditResponse struct {
	RanAt    time.Time      `json:"ran_at"`
	Findings []AuditFinding `json:"findings"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:                string(a.ID),
		Phone:             a.Phone,
		Card:              a.Card,
		Email:             a.Email,
		Active:            a.Active,
		EmailNotification: a.EmailNotification,
		PhoneNotification: a.PhoneNotification,
		CreatedAt:         a.CreatedAt,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:                 string(tx.ID),
		AccountID:          string(tx.AccountID),
		Kind:               string(tx.Kind),
		PointsAmount:       tx.PointsAmount,
		Description:        tx.Description,
		Canceled:           tx.IsCanceled(),
		CanceledAt:         tx.CanceledAt,
		CancellationReason: tx.CancellationReason,
		CreatedAt:          tx.CreatedAt,
	}
	if d := tx.Deposit; d != nil {
		paymentTime := d.PaymentTime
		dto.PointsRule = d.RuleID
		dto.PaymentID = d.PaymentID
		dto.PaymentAmount = d.PaymentAmount.String()
		dto.PaymentTime = &paymentTime
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	return dtos
}

func toBalanceDTO(s ledger.Summary) BalanceDTO {
	return BalanceDTO{
		AccountID: string(s.AccountID),
		Balance:   s.Balance(),
		Deposited: s.Deposited,
		Withdrawn: s.Withdrawn,
		Net:       s.Net,
		Entries:   s.Entries,
	}
}
