package ledger_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
	"github.com/warp/points-ledger/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// recorder collects emitted intents.
type recorder struct {
	mu      sync.Mutex
	intents []ledger.Intent
	err     error
}

func (r *recorder) Emit(_ context.Context, intent ledger.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return r.err
}

func (r *recorder) all() []ledger.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.Intent(nil), r.intents...)
}

type fixture struct {
	engine   *ledger.Engine
	store    *store.Memory
	notifier *recorder
	logs     *test.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	require.NoError(t, mem.SaveAccount(ctx, ledger.Account{
		ID: "acc-1", Phone: "+15550001", Card: "4000-0001", Email: "ann@example.com",
		Active: true, EmailNotification: true,
	}))
	require.NoError(t, mem.SaveAccount(ctx, ledger.Account{
		ID: "acc-2", Phone: "+15550002", Email: "bob@example.com",
		Active: false, EmailNotification: true, PhoneNotification: true,
	}))
	require.NoError(t, mem.SaveAccount(ctx, ledger.Account{
		ID: "acc-3", Card: "4000-0003", Active: true,
	}))

	rules, err := rewards.NewRegistry(
		rewards.Rule{ID: "R1", Formula: rewards.Percentage{Percent: decimal.NewFromInt(10)}},
		rewards.Rule{ID: "big", Formula: rewards.Percentage{Percent: decimal.NewFromInt(100)}},
	)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	rec := &recorder{}
	engine := ledger.NewEngine(mem, mem, rules, rec)
	engine.Now = func() time.Time { return fixedNow }
	engine.Logger = logger

	return &fixture{engine: engine, store: mem, notifier: rec, logs: hook}
}

func byEmail(v string) ledger.AccountLookup {
	return ledger.AccountLookup{Type: ledger.KeyEmail, Value: v}
}

func deposit(lookup ledger.AccountLookup, rule, paymentID string, amount int64) ledger.DepositRequest {
	return ledger.DepositRequest{
		Account:       lookup,
		RuleID:        rule,
		Description:   "purchase",
		PaymentID:     paymentID,
		PaymentAmount: decimal.NewFromInt(amount),
		PaymentTime:   fixedNow,
	}
}

func withdraw(lookup ledger.AccountLookup, points int64) ledger.WithdrawRequest {
	return ledger.WithdrawRequest{Account: lookup, PointsAmount: points, Description: "redeem"}
}

func balanceOf(t *testing.T, f *fixture, id ledger.AccountID) int64 {
	t.Helper()
	b, err := f.engine.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestEngine_DepositWithdrawCancelScenario(t *testing.T) {
	// GIVEN: An active account with email notifications and balance 0
	// WHEN: Depositing a payment of 100 under R1 (10%)
	// THEN: 10 points, one email intent carrying the post-write balance

	ctx := context.Background()
	f := newFixture(t)
	ann := byEmail("ann@example.com")
	require.Equal(t, int64(0), balanceOf(t, f, "acc-1"))

	tx, err := f.engine.Deposit(ctx, deposit(ann, "R1", "pay-1", 100))
	require.NoError(t, err)
	assert.Equal(t, ledger.KindDeposit, tx.Kind)
	assert.Equal(t, int64(10), tx.PointsAmount)
	require.NotNil(t, tx.Deposit)
	assert.Equal(t, "pay-1", tx.Deposit.PaymentID)
	assert.Equal(t, int64(10), balanceOf(t, f, "acc-1"))

	intents := f.notifier.all()
	require.Len(t, intents, 1)
	assert.Equal(t, ledger.IntentEmailPointsReceived, intents[0].Kind)
	assert.Equal(t, "ann@example.com", intents[0].Recipient)
	assert.Equal(t, int64(10), intents[0].PointsAmount)
	assert.Equal(t, int64(10), intents[0].Balance)

	// WHEN: Withdrawing 15 against a balance of 10
	// THEN: InsufficientFunds, balance unchanged
	_, err = f.engine.Withdraw(ctx, withdraw(ann, 15))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Available)
	assert.Equal(t, int64(10), balanceOf(t, f, "acc-1"))

	// WHEN: Cancelling the deposit for fraud
	// THEN: Balance back to 0, a second cancel is not found
	require.NoError(t, f.engine.Cancel(ctx, tx.ID, "fraud"))
	assert.Equal(t, int64(0), balanceOf(t, f, "acc-1"))

	err = f.engine.Cancel(ctx, tx.ID, "fraud")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	stored, err := f.store.FindByID(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CanceledAt)
	assert.Equal(t, fixedNow, *stored.CanceledAt)
	assert.Equal(t, "fraud", stored.CancellationReason)
}

// =============================================================================
// DEPOSIT
// =============================================================================

func TestDeposit_LookupIsCaseInsensitiveOnKeyType(t *testing.T) {
	f := newFixture(t)

	tx, err := f.engine.Deposit(context.Background(),
		deposit(ledger.AccountLookup{Type: "CARD", Value: "4000-0001"}, "R1", "pay-1", 50))
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("acc-1"), tx.AccountID)
}

func TestDeposit_PreconditionsInOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		req  ledger.DepositRequest
		want error
	}{
		{"unknown account", deposit(byEmail("nobody@example.com"), "R1", "p", 100), ledger.ErrAccountNotFound},
		{"unsupported key type", deposit(ledger.AccountLookup{Type: "fax", Value: "1"}, "R1", "p", 100), ledger.ErrInvalidArgument},
		{"inactive before missing fields", deposit(byEmail("bob@example.com"), "", "", 0), ledger.ErrAccountInactive},
		{"missing rule", deposit(byEmail("ann@example.com"), "", "p", 100), ledger.ErrInvalidArgument},
		{"missing payment id", deposit(byEmail("ann@example.com"), "R1", "", 100), ledger.ErrInvalidArgument},
		{"zero payment amount", deposit(byEmail("ann@example.com"), "R1", "p", 0), ledger.ErrInvalidArgument},
		{"unknown rule", deposit(byEmail("ann@example.com"), "R9", "p", 100), ledger.ErrUnknownRule},
		{"rule awards nothing", deposit(byEmail("ann@example.com"), "R1", "p", 5), ledger.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.Deposit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)

			txs, listErr := f.store.ListByAccount(ctx, "acc-1", 0)
			require.NoError(t, listErr)
			assert.Empty(t, txs, "journal must be unchanged")
			assert.Empty(t, f.notifier.all(), "no notification on failure")
		})
	}
}

func TestDeposit_MissingDescriptionAndTime(t *testing.T) {
	f := newFixture(t)
	req := deposit(byEmail("ann@example.com"), "R1", "p", 100)
	req.Description = "  "
	req.PaymentTime = time.Time{}

	_, err := f.engine.Deposit(context.Background(), req)
	require.ErrorIs(t, err, ledger.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "description")
	assert.Contains(t, err.Error(), "payment_time")
}

func TestDeposit_InactiveAccountEmitsNothing(t *testing.T) {
	// GIVEN: An inactive account with both channels enabled
	// WHEN: A deposit is attempted
	// THEN: AccountInactive, journal unchanged, no intent

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Deposit(ctx, deposit(byEmail("bob@example.com"), "R1", "pay-1", 100))
	require.ErrorIs(t, err, ledger.ErrAccountInactive)

	txs, err := f.store.ListByAccount(ctx, "acc-2", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, f.notifier.all())
}

func TestDeposit_DuplicatePaymentRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ann := byEmail("ann@example.com")

	first, err := f.engine.Deposit(ctx, deposit(ann, "R1", "pay-1", 100))
	require.NoError(t, err)

	_, err = f.engine.Deposit(ctx, deposit(ann, "R1", "pay-1", 100))
	require.ErrorIs(t, err, ledger.ErrDuplicatePayment)
	assert.Equal(t, int64(10), balanceOf(t, f, "acc-1"))

	// A cancelled deposit frees the payment id.
	require.NoError(t, f.engine.Cancel(ctx, first.ID, "rebook"))
	_, err = f.engine.Deposit(ctx, deposit(ann, "R1", "pay-1", 100))
	require.NoError(t, err)
	assert.Equal(t, int64(10), balanceOf(t, f, "acc-1"))
}

func TestDeposit_NoChannelNoIntent(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Deposit(context.Background(),
		deposit(ledger.AccountLookup{Type: ledger.KeyCard, Value: "4000-0003"}, "R1", "pay-1", 100))
	require.NoError(t, err)
	assert.Empty(t, f.notifier.all())
}

func TestDeposit_NotifierFailureIsLoggedNotReturned(t *testing.T) {
	// GIVEN: A notifier that always fails
	// WHEN: A deposit commits
	// THEN: The deposit succeeds and the failure is logged

	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")

	tx, err := f.engine.Deposit(ctx, deposit(byEmail("ann@example.com"), "R1", "pay-1", 100))
	require.NoError(t, err)
	assert.Equal(t, int64(10), balanceOf(t, f, "acc-1"))

	found, err := f.store.FindByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, found.IsCanceled())

	var warned bool
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "Notification not delivered" {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning for the failed notification")
}

// =============================================================================
// WITHDRAW
// =============================================================================

func TestWithdraw_NonPositiveAmountAlwaysInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ann := byEmail("ann@example.com")
	_, err := f.engine.Deposit(ctx, deposit(ann, "big", "pay-1", 1000))
	require.NoError(t, err)

	for _, amount := range []int64{0, -1, -500} {
		_, err := f.engine.Withdraw(ctx, withdraw(ann, amount))
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "amount %d", amount)
	}
	assert.Equal(t, int64(1000), balanceOf(t, f, "acc-1"))
}

func TestWithdraw_RequiresDescriptionAndActiveAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := withdraw(byEmail("ann@example.com"), 5)
	req.Description = ""
	_, err := f.engine.Withdraw(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	_, err = f.engine.Withdraw(ctx, withdraw(byEmail("bob@example.com"), 5))
	assert.ErrorIs(t, err, ledger.ErrAccountInactive)
}

func TestWithdraw_ExactBalanceAndNoNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ann := byEmail("ann@example.com")
	_, err := f.engine.Deposit(ctx, deposit(ann, "R1", "pay-1", 100))
	require.NoError(t, err)
	before := len(f.notifier.all())

	tx, err := f.engine.Withdraw(ctx, withdraw(ann, 10))
	require.NoError(t, err)
	assert.Equal(t, ledger.KindWithdrawal, tx.Kind)
	assert.Nil(t, tx.Deposit)
	assert.Equal(t, int64(0), balanceOf(t, f, "acc-1"))
	assert.Len(t, f.notifier.all(), before, "withdrawals are not announced")
}

func TestWithdraw_ConcurrentNeverOverdraws(t *testing.T) {
	// GIVEN: Balance B = 100
	// WHEN: N = 40 concurrent withdrawals of A = 15 (N*A > B)
	// THEN: Exactly floor(B/A) = 6 succeed, final balance 10

	ctx := context.Background()
	f := newFixture(t)
	ann := byEmail("ann@example.com")
	_, err := f.engine.Deposit(ctx, deposit(ann, "big", "pay-1", 100))
	require.NoError(t, err)

	const n, amount = 40, 15
	var ok, insufficient atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Withdraw(ctx, withdraw(ann, amount))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(6), ok.Load())
	assert.Equal(t, int64(n-6), insufficient.Load())
	assert.Equal(t, int64(100-6*amount), balanceOf(t, f, "acc-1"))
}

func TestWithdraw_DifferentAccountsIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveAccount(ctx, ledger.Account{ID: "acc-4", Email: "cy@example.com", Active: true}))

	_, err := f.engine.Deposit(ctx, deposit(byEmail("ann@example.com"), "big", "pay-1", 50))
	require.NoError(t, err)
	_, err = f.engine.Deposit(ctx, deposit(byEmail("cy@example.com"), "big", "pay-1", 50))
	require.NoError(t, err, "payment ids are scoped per account")

	var wg sync.WaitGroup
	for _, email := range []string{"ann@example.com", "cy@example.com"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(email string) {
				defer wg.Done()
				_, _ = f.engine.Withdraw(ctx, withdraw(byEmail(email), 5))
			}(email)
		}
	}
	wg.Wait()

	assert.Equal(t, int64(0), balanceOf(t, f, "acc-1"))
	assert.Equal(t, int64(0), balanceOf(t, f, "acc-4"))
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_RequiresReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx, err := f.engine.Deposit(ctx, deposit(byEmail("ann@example.com"), "R1", "pay-1", 100))
	require.NoError(t, err)

	for _, reason := range []string{"", "   "} {
		assert.ErrorIs(t, f.engine.Cancel(ctx, tx.ID, reason), ledger.ErrMissingReason)
	}
	assert.Equal(t, int64(10), balanceOf(t, f, "acc-1"))
}

func TestCancel_UnknownID(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Cancel(context.Background(), "does-not-exist", "typo")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestCancel_WithdrawalRestoresPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ann := byEmail("ann@example.com")
	_, err := f.engine.Deposit(ctx, deposit(ann, "R1", "pay-1", 100))
	require.NoError(t, err)
	w, err := f.engine.Withdraw(ctx, withdraw(ann, 7))
	require.NoError(t, err)
	require.Equal(t, int64(3), balanceOf(t, f, "acc-1"))

	require.NoError(t, f.engine.Cancel(ctx, w.ID, "refund"))
	assert.Equal(t, int64(10), balanceOf(t, f, "acc-1"))
}

func TestCancel_SpentDepositClampsBalance(t *testing.T) {
	// GIVEN: A deposit of 10 fully spent
	// WHEN: The deposit is cancelled
	// THEN: Cancellation succeeds, Net is -10, Balance reports 0

	ctx := context.Background()
	f := newFixture(t)
	ann := byEmail("ann@example.com")
	d, err := f.engine.Deposit(ctx, deposit(ann, "R1", "pay-1", 100))
	require.NoError(t, err)
	_, err = f.engine.Withdraw(ctx, withdraw(ann, 10))
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, d.ID, "chargeback"))

	s, err := f.engine.Summary(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-10), s.Net)
	assert.Equal(t, int64(0), s.Balance())

	_, err = f.engine.Withdraw(ctx, withdraw(ann, 1))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestCancel_ConcurrentOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx, err := f.engine.Deposit(ctx, deposit(byEmail("ann@example.com"), "R1", "pay-1", 100))
	require.NoError(t, err)

	const n = 20
	var wins, notFound atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.engine.Cancel(ctx, tx.ID, "dup")
			if err == nil {
				wins.Add(1)
			} else if errors.Is(err, ledger.ErrTransactionNotFound) {
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(n-1), notFound.Load())
}

// =============================================================================
// RETRY AND STORE FAILURES
// =============================================================================

// flakyJournal fails AppendWithdrawal with err for the first n calls.
type flakyJournal struct {
	ledger.Journal
	err   error
	n     int
	calls atomic.Int64
}

func (j *flakyJournal) AppendWithdrawal(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if int(j.calls.Add(1)) <= j.n {
		return ledger.Transaction{}, j.err
	}
	return j.Journal.AppendWithdrawal(ctx, tx)
}

func newFlakyFixture(t *testing.T, err error, n int) (*fixture, *flakyJournal) {
	t.Helper()
	f := newFixture(t)
	_, depErr := f.engine.Deposit(context.Background(), deposit(byEmail("ann@example.com"), "big", "pay-1", 100))
	require.NoError(t, depErr)

	flaky := &flakyJournal{Journal: f.store, err: err, n: n}
	f.engine.Journal = flaky
	f.engine.MaxConflictRetries = 3
	return f, flaky
}

func TestWithdraw_RetriesConflicts(t *testing.T) {
	f, flaky := newFlakyFixture(t, ledger.ErrConflict, 2)

	_, err := f.engine.Withdraw(context.Background(), withdraw(byEmail("ann@example.com"), 30))
	require.NoError(t, err)
	assert.Equal(t, int64(3), flaky.calls.Load())
	assert.Equal(t, int64(70), balanceOf(t, f, "acc-1"))
}

func TestWithdraw_GivesUpAfterBoundedRetries(t *testing.T) {
	f, flaky := newFlakyFixture(t, ledger.ErrConflict, 1000)

	_, err := f.engine.Withdraw(context.Background(), withdraw(byEmail("ann@example.com"), 30))
	require.ErrorIs(t, err, ledger.ErrLedgerUnavailable)
	assert.Equal(t, int64(4), flaky.calls.Load(), "one attempt plus three retries")
	assert.Equal(t, int64(100), balanceOf(t, f, "acc-1"))
}

func TestWithdraw_StoreFailureIsUnavailable(t *testing.T) {
	f, flaky := newFlakyFixture(t, errors.New("disk on fire"), 1)

	_, err := f.engine.Withdraw(context.Background(), withdraw(byEmail("ann@example.com"), 30))
	require.ErrorIs(t, err, ledger.ErrLedgerUnavailable)
	assert.False(t, ledger.IsClientError(err))
	assert.Equal(t, int64(1), flaky.calls.Load(), "non-conflict errors are not retried")
}

// countingAccounts counts Resolve calls.
type countingAccounts struct {
	ledger.AccountStore
	calls atomic.Int64
}

func (c *countingAccounts) Resolve(ctx context.Context, l ledger.AccountLookup) (ledger.Account, error) {
	c.calls.Add(1)
	return c.AccountStore.Resolve(ctx, l)
}

func TestValidation_FailsBeforeStoreAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	counting := &countingAccounts{AccountStore: f.store}
	f.engine.Accounts = counting

	_, err := f.engine.Deposit(ctx, deposit(ledger.AccountLookup{Type: "telegram", Value: "x"}, "R1", "p", 100))
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = f.engine.Withdraw(ctx, withdraw(byEmail(" "), 5))
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	assert.ErrorIs(t, f.engine.Cancel(ctx, "", "reason"), ledger.ErrInvalidArgument)

	assert.Equal(t, int64(0), counting.calls.Load())
}

// =============================================================================
// OVERFLOW
// =============================================================================

func TestDeposit_PointsBeyondInt64AreRejected(t *testing.T) {
	// GIVEN: An active account and the 10% rule
	// WHEN: A payment whose points do not fit in int64 is deposited
	// THEN: ErrInvalidAmount, nothing is written and nobody is notified

	ctx := context.Background()
	f := newFixture(t)
	req := deposit(byEmail("ann@example.com"), "R1", "pay-huge", 0)
	req.PaymentAmount = decimal.RequireFromString("184467440737095516160")

	_, err := f.engine.Deposit(ctx, req)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	s, err := f.engine.Summary(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Entries)
	assert.Empty(t, f.notifier.all())
}

func TestDeposit_AccountTotalCannotOverflow(t *testing.T) {
	// GIVEN: An account already holding math.MaxInt64 points
	// WHEN: One more point is deposited
	// THEN: ErrInvalidAmount and Net stays at math.MaxInt64

	ctx := context.Background()
	f := newFixture(t)
	ann := byEmail("ann@example.com")

	_, err := f.engine.Deposit(ctx, deposit(ann, "big", "pay-1", math.MaxInt64))
	require.NoError(t, err)

	_, err = f.engine.Deposit(ctx, deposit(ann, "big", "pay-2", 1))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	s, err := f.engine.Summary(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), s.Net)
	assert.Equal(t, 1, s.Entries)
}
