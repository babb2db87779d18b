/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos and manual testing. Each scenario provisions accounts
	and replays its history through the engine, so every entry passes the
	same validation and notification path as live traffic.

AVAILABLE SCENARIOS:

	everyday-shopper: Card holder earning on groceries and redeeming a reward
	big-spender:      Tiered cashback across small and large baskets
	clawback:         Refunded purchase whose points were already spent
	inactive-account: Blocked account next to an active one

HOW SCENARIOS WORK:
 1. Create accounts (ids are prefixed with the scenario id)
 2. Deposit payments under the default rules
 3. Optionally withdraw and cancel

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "clawback"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to scenarioLoader

NOTE:

	Scenarios rely on the default rule ids (base, welcome, per_dollar,
	tiered). Loading twice reports 409 since the payments were credited.

SEE ALSO:
  - handlers.go: Error mapping
  - rewards/rules.go: DefaultRules
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "everyday-shopper",
		Name:        "Everyday Shopper",
		Description: "Card holder earning base cashback and redeeming a coffee",
		Category:    "earn-burn",
	},
	{
		ID:          "big-spender",
		Name:        "Big Spender",
		Description: "Tiered cashback: 5% below 500, 10% from 500, 15% from 1000",
		Category:    "earn-burn",
	},
	{
		ID:          "clawback",
		Name:        "Clawback",
		Description: "Purchase refunded after its points were spent; net goes negative",
		Category:    "audit",
	},
	{
		ID:          "inactive-account",
		Name:        "Inactive Account",
		Description: "Blocked account that rejects every operation",
		Category:    "errors",
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := h.scenarioLoader(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Scenario not found", nil)
		return
	}

	if err := load(r.Context()); err != nil {
		h.log().WithError(err).WithField("scenario", req.ScenarioID).Warn("Scenario load failed")
		h.writeLedgerError(w, r, err)
		return
	}

	h.log().WithField("scenario", req.ScenarioID).Info("Scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

func (h *Handler) scenarioLoader(id string) (func(context.Context) error, bool) {
	switch id {
	case "everyday-shopper":
		return h.loadEverydayShopperScenario, true
	case "big-spender":
		return h.loadBigSpenderScenario, true
	case "clawback":
		return h.loadClawbackScenario, true
	case "inactive-account":
		return h.loadInactiveAccountScenario, true
	}
	return nil, false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadEverydayShopperScenario(ctx context.Context) error {
	account := ledger.Account{
		ID:                "everyday-shopper-1",
		Card:              "5100-0000-0001",
		Email:             "shopper@example.com",
		Active:            true,
		EmailNotification: true,
	}
	if err := h.Accounts.SaveAccount(ctx, account); err != nil {
		return err
	}
	card := ledger.AccountLookup{Type: ledger.KeyCard, Value: account.Card}

	week := time.Now().UTC().AddDate(0, 0, -7)
	purchases := []struct {
		rule   string
		amount string
		note   string
	}{
		{"welcome", "25.00", "First purchase"},
		{"base", "84.30", "Groceries"},
		{"base", "42.10", "Groceries"},
		{"per_dollar", "19.99", "Pharmacy"},
	}
	for i, p := range purchases {
		if err := h.deposit(ctx, card, p.rule, p.note, fmt.Sprintf("everyday-pay-%d", i+1), p.amount, week.AddDate(0, 0, i)); err != nil {
			return err
		}
	}

	_, err := h.Engine.Withdraw(ctx, ledger.WithdrawRequest{Account: card, PointsAmount: 30, Description: "Free coffee"})
	return err
}

func (h *Handler) loadBigSpenderScenario(ctx context.Context) error {
	account := ledger.Account{
		ID:                "big-spender-1",
		Phone:             "+15550100",
		Email:             "vip@example.com",
		Active:            true,
		EmailNotification: true,
		PhoneNotification: true,
	}
	if err := h.Accounts.SaveAccount(ctx, account); err != nil {
		return err
	}
	phone := ledger.AccountLookup{Type: ledger.KeyPhone, Value: account.Phone}

	month := time.Now().UTC().AddDate(0, -1, 0)
	for i, amount := range []string{"120.00", "640.00", "1499.99"} {
		if err := h.deposit(ctx, phone, "tiered", "Electronics", fmt.Sprintf("big-pay-%d", i+1), amount, month.AddDate(0, 0, 7*i)); err != nil {
			return err
		}
	}

	_, err := h.Engine.Withdraw(ctx, ledger.WithdrawRequest{Account: phone, PointsAmount: 200, Description: "Gift card"})
	return err
}

func (h *Handler) loadClawbackScenario(ctx context.Context) error {
	account := ledger.Account{
		ID:     "clawback-1",
		Email:  "refund@example.com",
		Active: true,
	}
	if err := h.Accounts.SaveAccount(ctx, account); err != nil {
		return err
	}
	email := ledger.AccountLookup{Type: ledger.KeyEmail, Value: account.Email}

	at := time.Now().UTC().AddDate(0, 0, -3)
	if err := h.deposit(ctx, email, "base", "Small purchase", "clawback-pay-1", "50.00", at); err != nil {
		return err
	}
	big, err := h.Engine.Deposit(ctx, ledger.DepositRequest{
		Account:       email,
		RuleID:        "base",
		Description:   "Television",
		PaymentID:     "clawback-pay-2",
		PaymentAmount: decimal.RequireFromString("900.00"),
		PaymentTime:   at.Add(time.Hour),
	})
	if err != nil {
		return err
	}

	if _, err := h.Engine.Withdraw(ctx, ledger.WithdrawRequest{Account: email, PointsAmount: 80, Description: "Cinema tickets"}); err != nil {
		return err
	}
	return h.Engine.Cancel(ctx, big.ID, "Television returned")
}

func (h *Handler) loadInactiveAccountScenario(ctx context.Context) error {
	accounts := []ledger.Account{
		{ID: "inactive-account-1", Card: "5100-0000-0099", Active: false},
		{ID: "inactive-account-2", Card: "5100-0000-0098", Active: true},
	}
	for _, a := range accounts {
		if err := h.Accounts.SaveAccount(ctx, a); err != nil {
			return err
		}
	}

	active := ledger.AccountLookup{Type: ledger.KeyCard, Value: "5100-0000-0098"}
	if err := h.deposit(ctx, active, "base", "Purchase", "inactive-pay-1", "60.00", time.Now().UTC()); err != nil {
		return err
	}

	blocked := ledger.AccountLookup{Type: ledger.KeyCard, Value: "5100-0000-0099"}
	err := h.deposit(ctx, blocked, "base", "Purchase", "inactive-pay-2", "60.00", time.Now().UTC())
	if !errors.Is(err, ledger.ErrAccountInactive) {
		return fmt.Errorf("expected inactive account to be rejected, got %v", err)
	}
	return nil
}

func (h *Handler) deposit(ctx context.Context, lookup ledger.AccountLookup, rule, description, paymentID, amount string, at time.Time) error {
	_, err := h.Engine.Deposit(ctx, ledger.DepositRequest{
		Account:       lookup,
		RuleID:        rule,
		Description:   description,
		PaymentID:     paymentID,
		PaymentAmount: decimal.RequireFromString(amount),
		PaymentTime:   at,
	})
	return err
}
