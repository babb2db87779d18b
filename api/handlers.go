/*
handlers.go - HTTP request handlers for the loyalty points API

PURPOSE:
  Implements the REST endpoints. Handlers decode requests, call the
  ledger engine and encode responses. No business rules live here.

ENDPOINTS:
  Loyalty:
    POST   /api/loyalty/deposit              Credit points for a payment
    POST   /api/loyalty/withdraw             Spend points
    POST   /api/loyalty/cancel               Cancel a transaction

  Accounts:
    POST   /api/accounts                     Create or update an account
    GET    /api/accounts/{id}                Get account
    GET    /api/accounts/{id}/balance        Folded balance
    GET    /api/accounts/{id}/transactions   Journal history, newest first

  Rules:
    GET    /api/rules                        Rule catalogue

  Scenarios:
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Seed a demo scenario

  Admin:
    POST   /api/admin/audit                  Run the negative-balance audit now

  Health:
    GET    /healthz

ERROR HANDLING:
  Ledger errors are mapped in one place (writeLedgerError):
  - 400 Bad Request: validation and business rule failures, with the
    messages point-of-sale terminals already display
  - 404 Not Found: unknown account on the /api/accounts reads
  - 409 Conflict: payment already credited
  - 422 Unprocessable Entity: unknown loyalty points rule
  - 429 Too Many Requests: rate limit (ratelimit.go)
  - 503 Service Unavailable: ledger store unavailable

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Request/response types
  - ledger/engine.go: Operations
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/rewards"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	Accounts ledger.AccountDirectory
	Journal  ledger.HistoryJournal
	Rules    *rewards.Registry
	Auditor  *Auditor
	Store    Pinger
	Logger   logrus.FieldLogger
}

// NewHandler creates a new handler.
func NewHandler(engine *ledger.Engine, accounts ledger.AccountDirectory, journal ledger.HistoryJournal, rules *rewards.Registry) *Handler {
	return &Handler{
		Engine:   engine,
		Accounts: accounts,
		Journal:  journal,
		Rules:    rules,
		Auditor:  NewAuditor(accounts, engine),
	}
}

// =============================================================================
// LOYALTY ENDPOINTS
// =============================================================================

// Deposit credits points for a payment.
// POST /api/loyalty/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Wrong parameters", err)
		return
	}

	in := ledger.DepositRequest{
		Account:     ledger.AccountLookup{Type: ledger.KeyType(req.AccountType), Value: req.AccountID},
		RuleID:      req.LoyaltyPointsRule,
		Description: req.Description,
		PaymentID:   req.PaymentID,
	}
	if req.PaymentAmount != nil {
		in.PaymentAmount = *req.PaymentAmount
	}
	if req.PaymentTime != nil {
		in.PaymentTime = *req.PaymentTime
	}

	tx, err := h.Engine.Deposit(r.Context(), in)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// Withdraw spends points.
// POST /api/loyalty/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Wrong parameters", err)
		return
	}
	if req.PointsAmount == nil {
		writeError(w, http.StatusBadRequest, "Wrong parameters", errors.New("points_amount is required"))
		return
	}

	tx, err := h.Engine.Withdraw(r.Context(), ledger.WithdrawRequest{
		Account:      ledger.AccountLookup{Type: ledger.KeyType(req.AccountType), Value: req.AccountID},
		PointsAmount: *req.PointsAmount,
		Description:  req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// Cancel voids a transaction.
// POST /api/loyalty/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Wrong parameters", err)
		return
	}

	id := ledger.TransactionID(strings.TrimSpace(req.TransactionID))
	if err := h.Engine.Cancel(r.Context(), id, req.CancellationReason); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{TransactionID: string(id), Status: "canceled"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// CreateAccount creates or updates an account.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Phone == "" && req.Card == "" && req.Email == "" {
		writeError(w, http.StatusBadRequest, "Wrong parameters", errors.New("one of phone, card or email is required"))
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	account := ledger.Account{
		ID:                ledger.AccountID(req.ID),
		Phone:             req.Phone,
		Card:              req.Card,
		Email:             req.Email,
		Active:            req.Active == nil || *req.Active,
		EmailNotification: req.EmailNotification,
		PhoneNotification: req.PhoneNotification,
	}

	ctx := r.Context()
	if err := h.Accounts.SaveAccount(ctx, account); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	saved, err := h.Accounts.GetAccount(ctx, account.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(saved))
}

// GetAccount returns one account.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// GetBalance returns the folded balance of an account.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	summary, err := h.Engine.Summary(r.Context(), account.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(summary))
}

// GetTransactions returns the journal of an account, newest first.
// Cancelled entries are included. ?limit=N caps the result.
// GET /api/accounts/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	txs, err := h.Journal.ListByAccount(r.Context(), account.ID, limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) loadAccount(w http.ResponseWriter, r *http.Request) (ledger.Account, bool) {
	account, err := h.Accounts.GetAccount(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return ledger.Account{}, false
	}
	if err != nil {
		h.writeLedgerError(w, r, err)
		return ledger.Account{}, false
	}
	return account, true
}

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

// ListRules returns the rule catalogue.
// GET /api/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.Rules.Rules()
	out := make([]rewards.RuleJSON, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rewards.ToJSON(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerAudit runs the negative-balance audit synchronously.
// POST /api/admin/audit
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	findings, err := h.Auditor.Run(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{RanAt: time.Now().UTC(), Findings: findings})
}

// Health reports liveness and, when a store pinger is set, store reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeLedgerError maps ledger errors to HTTP responses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, message, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log().WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		// Store internals are not echoed to clients.
		writeJSON(w, status, ErrorResponse{Error: message, Code: code})
		return
	}

	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}
	var insufficient *ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		resp.Details = map[string]int64{
			"available": insufficient.Available,
			"requested": insufficient.Requested,
		}
	}
	writeJSON(w, status, resp)
}

func classify(err error) (status int, message, code string) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusBadRequest, "Account is not found", "account_not_found"
	case errors.Is(err, ledger.ErrAccountInactive):
		return http.StatusBadRequest, "Account is not active", "account_inactive"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "Wrong loyalty points amount", "invalid_amount"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusBadRequest, "Insufficient funds", "insufficient_funds"
	case errors.Is(err, ledger.ErrMissingReason):
		return http.StatusBadRequest, "Cancellation reason is not specified", "missing_reason"
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusBadRequest, "Transaction is not found", "transaction_not_found"
	case errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest, "Wrong parameters", "invalid_argument"
	case errors.Is(err, ledger.ErrDuplicatePayment):
		return http.StatusConflict, "Payment already credited", "duplicate_payment"
	case errors.Is(err, ledger.ErrUnknownRule):
		return http.StatusUnprocessableEntity, "Unknown loyalty points rule", "unknown_rule"
	case errors.Is(err, ledger.ErrLedgerUnavailable), errors.Is(err, ledger.ErrConflict):
		return http.StatusServiceUnavailable, "Ledger unavailable", "ledger_unavailable"
	}
	return http.StatusInternalServerError, "Internal error", "internal"
}

func (h *Handler) log() logrus.FieldLogger {
	if h.Logger != nil {
		return h.Logger
	}
	return logrus.StandardLogger()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
