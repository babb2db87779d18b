/*
balance.go - Balance derivation

PURPOSE:
  Computes an account's balance by folding over its journal entries.
  There is no stored balance column that could drift from the journal.

FORMULA:
  Net = sum(non-cancelled deposits) - sum(non-cancelled withdrawals)

  Balance = max(Net, 0)

NEGATIVE NET:
  Withdrawals are checked against the balance when recorded, so they can
  never push Net below zero. Cancelling a deposit whose points were already
  spent can. That cancellation is still allowed; Net then goes negative,
  the reported Balance is clamped to zero, and the audit job flags the
  account (see api/scheduler.go).

OVERFLOW:
  Deposits that would push Deposited past math.MaxInt64 are refused
  (CanCredit). Fold saturates instead of wrapping, so a journal written
  before that guard still folds to a non-negative total.

SEE ALSO:
  - journal.go: ListActive feeds Fold
  - engine.go: Balance / Summary
*/
package ledger

import (
	"context"
	"math"
)

// Summary is the folded state of an account's journal.
type Summary struct {
	AccountID AccountID
	Deposited int64
	Withdrawn int64
	Net       int64
	Entries   int
}

// Balance is the spendable amount: Net, never below zero.
func (s Summary) Balance() int64 {
	if s.Net < 0 {
		return 0
	}
	return s.Net
}

// CanCredit reports whether a deposit of points keeps Deposited (and so
// Net) within int64.
func (s Summary) CanCredit(points int64) bool {
	return points >= 0 && s.Deposited <= math.MaxInt64-points
}

// Fold sums txs. Cancelled entries are skipped, so Fold accepts either a
// ListActive result or a full history.
func Fold(accountID AccountID, txs []Transaction) Summary {
	s := Summary{AccountID: accountID}
	for _, tx := range txs {
		if tx.IsCanceled() {
			continue
		}
		switch tx.Kind {
		case KindDeposit:
			s.Deposited = addSaturating(s.Deposited, tx.PointsAmount)
		case KindWithdrawal:
			s.Withdrawn = addSaturating(s.Withdrawn, tx.PointsAmount)
		}
		s.Entries++
	}
	s.Net = s.Deposited - s.Withdrawn
	return s
}

func addSaturating(total, points int64) int64 {
	if points > 0 && total > math.MaxInt64-points {
		return math.MaxInt64
	}
	return total + points
}

// BalanceCalculator derives balances from a Journal. It never writes.
type BalanceCalculator struct {
	Journal Journal
}

func (bc *BalanceCalculator) Summary(ctx context.Context, accountID AccountID) (Summary, error) {
	txs, err := bc.Journal.ListActive(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	return Fold(accountID, txs), nil
}

func (bc *BalanceCalculator) Balance(ctx context.Context, accountID AccountID) (int64, error) {
	s, err := bc.Summary(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return s.Balance(), nil
}
