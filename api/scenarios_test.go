/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Accounts are created
	- Deposits are credited under the default rules
	- Balances match expected values

Scenarios run against the SQLite store, so these double as integration
tests of the engine on a real database.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/rewards"
	"github.com/warp/points-ledger/store/sqlite"
)

func setupTestHandler(t *testing.T) *Handler {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rules, err := rewards.NewRegistry(rewards.DefaultRules()...)
	if err != nil {
		t.Fatalf("Failed to build rules: %v", err)
	}

	engine := ledger.NewEngine(store, store, rules, nil)
	handler := NewHandler(engine, store, store, rules)
	handler.Store = store
	return handler
}

func summaryOf(t *testing.T, h *Handler, id ledger.AccountID) ledger.Summary {
	t.Helper()
	s, err := h.Engine.Summary(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to fold %s: %v", id, err)
	}
	return s
}

func TestScenario_EverydayShopper(t *testing.T) {
	// GIVEN: Everyday shopper scenario
	// WHEN: Loading the scenario
	// THEN: 50 welcome + 8 + 4 + 19 earned, 30 spent

	handler := setupTestHandler(t)
	ctx := context.Background()

	if err := handler.loadEverydayShopperScenario(ctx); err != nil {
		t.Fatalf("Failed to load everyday-shopper scenario: %v", err)
	}

	s := summaryOf(t, handler, "everyday-shopper-1")
	if s.Deposited != 81 {
		t.Errorf("Expected 81 points deposited, got %d", s.Deposited)
	}
	if s.Balance() != 51 {
		t.Errorf("Expected balance 51, got %d", s.Balance())
	}

	history, err := handler.Journal.ListByAccount(ctx, "everyday-shopper-1", 0)
	if err != nil {
		t.Fatalf("Failed to list history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("Expected 5 transactions, got %d", len(history))
	}
	if history[0].Kind != ledger.KindWithdrawal {
		t.Errorf("Expected newest entry to be the withdrawal, got %s", history[0].Kind)
	}
}

func TestScenario_BigSpender(t *testing.T) {
	// GIVEN: Big spender scenario with tiered cashback
	// WHEN: Loading the scenario
	// THEN: 6 + 64 + 224 earned (5%, 10%, 15%), 200 spent

	handler := setupTestHandler(t)
	if err := handler.loadBigSpenderScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load big-spender scenario: %v", err)
	}

	s := summaryOf(t, handler, "big-spender-1")
	if s.Deposited != 294 {
		t.Errorf("Expected 294 points deposited, got %d", s.Deposited)
	}
	if s.Balance() != 94 {
		t.Errorf("Expected balance 94, got %d", s.Balance())
	}
}

func TestScenario_Clawback(t *testing.T) {
	// GIVEN: Clawback scenario
	// WHEN: Loading the scenario and running the audit
	// THEN: Net is -75, balance clamps to 0, the audit reports the account

	handler := setupTestHandler(t)
	ctx := context.Background()
	if err := handler.loadClawbackScenario(ctx); err != nil {
		t.Fatalf("Failed to load clawback scenario: %v", err)
	}

	s := summaryOf(t, handler, "clawback-1")
	if s.Net != -75 {
		t.Errorf("Expected net -75, got %d", s.Net)
	}
	if s.Balance() != 0 {
		t.Errorf("Expected balance 0, got %d", s.Balance())
	}

	findings, err := handler.Auditor.Run(ctx)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(findings) != 1 || findings[0].AccountID != "clawback-1" {
		t.Errorf("Expected clawback-1 to be reported, got %+v", findings)
	}
}

func TestScenario_InactiveAccount(t *testing.T) {
	handler := setupTestHandler(t)
	if err := handler.loadInactiveAccountScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load inactive-account scenario: %v", err)
	}

	if s := summaryOf(t, handler, "inactive-account-1"); s.Entries != 0 {
		t.Errorf("Inactive account must have no entries, got %d", s.Entries)
	}
	if s := summaryOf(t, handler, "inactive-account-2"); s.Balance() != 6 {
		t.Errorf("Expected balance 6, got %d", s.Balance())
	}
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	// GIVEN: All available scenarios
	// WHEN: Loading each scenario through the API into one store
	// THEN: None should error, and reloading reports the duplicate

	handler := setupTestHandler(t)
	router := NewRouter(handler, RouterOptions{})
	f := &apiFixture{router: router}

	for _, s := range scenarios {
		rec := f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID})
		if rec.Code != http.StatusOK {
			t.Errorf("Scenario '%s' failed to load: %d %s", s.ID, rec.Code, rec.Body.String())
		}
	}

	rec := f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "big-spender"})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 on reload, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown scenario, got %d", rec.Code)
	}

	accounts, err := handler.Accounts.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("Failed to list accounts: %v", err)
	}
	if len(accounts) != 5 {
		t.Errorf("Expected 5 accounts, got %d", len(accounts))
	}
}
