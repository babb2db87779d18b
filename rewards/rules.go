/*
Package rewards converts payments into loyalty points.

PURPOSE:
  Implements ledger.RuleEvaluator. A rule is a named formula plus optional
  constraints; the registry looks rules up by id and evaluates them.
  Evaluation is pure: same rule, same payment, same points.

FORMULAS:
  percentage: points = floor(amount * percent / 100)
  fixed:      points = constant per qualifying payment
  per_unit:   points = floor(amount / unit) * points_per_unit
  tiered:     percentage of the highest tier whose min_amount <= amount

CONSTRAINTS (all optional):
  valid_from / valid_to: payment time window, [from, to)
  min_payment:           smaller payments earn nothing
  max_points:            cap per payment

  A payment outside the constraints earns zero points; the engine rejects
  zero-point deposits with ledger.ErrInvalidAmount.

EXAMPLE:
  reg, _ := rewards.NewRegistry(rewards.Rule{
      ID:      "R1",
      Formula: rewards.Percentage{Percent: decimal.NewFromInt(10)},
  })
  pts, _ := reg.Evaluate("R1", decimal.NewFromInt(100), time.Now(), "pay-1")
  // pts == 10

SEE ALSO:
  - factory.go: JSON rule definitions
  - ledger/engine.go: Calls Evaluate during Deposit
*/
package rewards

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/ledger"
)

var (
	hundred   = decimal.NewFromInt(100)
	maxPoints = decimal.NewFromInt(math.MaxInt64)
)

// =============================================================================
// FORMULAS
// =============================================================================

type FormulaKind string

const (
	FormulaPercentage FormulaKind = "percentage"
	FormulaFixed      FormulaKind = "fixed"
	FormulaPerUnit    FormulaKind = "per_unit"
	FormulaTiered     FormulaKind = "tiered"
)

// Formula computes raw (unrounded) points for a payment amount.
type Formula interface {
	Kind() FormulaKind
	Points(amount decimal.Decimal) decimal.Decimal
}

// Percentage awards a share of the payment amount.
type Percentage struct {
	Percent decimal.Decimal
}

func (f Percentage) Kind() FormulaKind { return FormulaPercentage }
func (f Percentage) Points(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(f.Percent).Div(hundred)
}

// Fixed awards the same points for every qualifying payment.
type Fixed struct {
	Amount int64
}

func (f Fixed) Kind() FormulaKind                     { return FormulaFixed }
func (f Fixed) Points(decimal.Decimal) decimal.Decimal { return decimal.NewFromInt(f.Amount) }

// PerUnit awards PointsPerUnit for every whole Unit of currency.
type PerUnit struct {
	Unit          decimal.Decimal
	PointsPerUnit int64
}

func (f PerUnit) Kind() FormulaKind { return FormulaPerUnit }
func (f PerUnit) Points(amount decimal.Decimal) decimal.Decimal {
	if !f.Unit.IsPositive() {
		return decimal.Zero
	}
	return amount.Div(f.Unit).Floor().Mul(decimal.NewFromInt(f.PointsPerUnit))
}

// Tier is one step of a Tiered formula.
type Tier struct {
	MinAmount decimal.Decimal
	Percent   decimal.Decimal
}

// Tiered applies the percentage of the highest tier reached.
// Tiers are kept sorted by MinAmount ascending.
type Tiered struct {
	Tiers []Tier
}

func (f Tiered) Kind() FormulaKind { return FormulaTiered }
func (f Tiered) Points(amount decimal.Decimal) decimal.Decimal {
	percent := decimal.Zero
	for _, t := range f.Tiers {
		if amount.LessThan(t.MinAmount) {
			break
		}
		percent = t.Percent
	}
	return amount.Mul(percent).Div(hundred)
}

// =============================================================================
// RULE
// =============================================================================

// Rule is a named formula with optional constraints.
type Rule struct {
	ID      string
	Name    string
	Formula Formula

	ValidFrom  time.Time // zero = unbounded
	ValidTo    time.Time // zero = unbounded, exclusive
	MinPayment decimal.Decimal
	MaxPoints  int64 // 0 = no cap
}

// Payment is the input of a rule evaluation.
type Payment struct {
	ID     string
	Amount decimal.Decimal
	Time   time.Time
}

// Applies reports whether the payment satisfies the rule's constraints.
func (r Rule) Applies(p Payment) bool {
	if !r.ValidFrom.IsZero() && p.Time.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidTo.IsZero() && !p.Time.Before(r.ValidTo) {
		return false
	}
	return !p.Amount.LessThan(r.MinPayment)
}

// Evaluate returns whole points, rounded down and capped. A result that
// does not fit in int64 is rejected with ledger.ErrInvalidAmount rather
// than truncated.
func (r Rule) Evaluate(p Payment) (int64, error) {
	if !r.Applies(p) {
		return 0, nil
	}
	raw := r.Formula.Points(p.Amount).Floor()
	if !raw.IsPositive() {
		return 0, nil
	}
	if r.MaxPoints > 0 && raw.GreaterThan(decimal.NewFromInt(r.MaxPoints)) {
		return r.MaxPoints, nil
	}
	if raw.GreaterThan(maxPoints) {
		return 0, fmt.Errorf("%w: rule %q awards %s points, above %d", ledger.ErrInvalidAmount, r.ID, raw.String(), int64(math.MaxInt64))
	}
	return raw.IntPart(), nil
}

func (r Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Formula == nil {
		return fmt.Errorf("rule %q: formula is required", r.ID)
	}
	if !r.ValidFrom.IsZero() && !r.ValidTo.IsZero() && !r.ValidTo.After(r.ValidFrom) {
		return fmt.Errorf("rule %q: valid_to must be after valid_from", r.ID)
	}
	if r.MaxPoints < 0 || r.MinPayment.IsNegative() {
		return fmt.Errorf("rule %q: negative constraint", r.ID)
	}
	switch f := r.Formula.(type) {
	case Percentage:
		if !f.Percent.IsPositive() {
			return fmt.Errorf("rule %q: percent must be positive", r.ID)
		}
	case Fixed:
		if f.Amount <= 0 {
			return fmt.Errorf("rule %q: points must be positive", r.ID)
		}
	case PerUnit:
		if !f.Unit.IsPositive() || f.PointsPerUnit <= 0 {
			return fmt.Errorf("rule %q: unit and points_per_unit must be positive", r.ID)
		}
	case Tiered:
		if len(f.Tiers) == 0 {
			return fmt.Errorf("rule %q: at least one tier is required", r.ID)
		}
	}
	return nil
}

// =============================================================================
// REGISTRY - ledger.RuleEvaluator
// =============================================================================

// Registry is an immutable set of rules keyed by id.
type Registry struct {
	rules map[string]Rule
}

var _ ledger.RuleEvaluator = (*Registry)(nil)

// NewRegistry validates rules and rejects duplicate ids.
func NewRegistry(rules ...Rule) (*Registry, error) {
	reg := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.rules[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		if t, ok := r.Formula.(Tiered); ok {
			tiers := append([]Tier(nil), t.Tiers...)
			sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinAmount.LessThan(tiers[j].MinAmount) })
			r.Formula = Tiered{Tiers: tiers}
		}
		reg.rules[r.ID] = r
	}
	return reg, nil
}

// Evaluate implements ledger.RuleEvaluator.
func (reg *Registry) Evaluate(ruleID string, paymentAmount decimal.Decimal, paymentTime time.Time, paymentID string) (int64, error) {
	r, ok := reg.rules[ruleID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ledger.ErrUnknownRule, ruleID)
	}
	return r.Evaluate(Payment{ID: paymentID, Amount: paymentAmount, Time: paymentTime})
}

// Get returns the rule with the given id.
func (reg *Registry) Get(ruleID string) (Rule, bool) {
	r, ok := reg.rules[ruleID]
	return r, ok
}

// Rules returns all rules sorted by id.
func (reg *Registry) Rules() []Rule {
	result := make([]Rule, 0, len(reg.rules))
	for _, r := range reg.rules {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// =============================================================================
// DEFAULT CATALOGUE
// =============================================================================

// DefaultRules is used when no rules file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "base", Name: "Base cashback", Formula: Percentage{Percent: decimal.NewFromInt(10)}},
		{ID: "welcome", Name: "Welcome bonus", Formula: Fixed{Amount: 50}, MinPayment: decimal.NewFromInt(10)},
		{ID: "per_dollar", Name: "One point per dollar", Formula: PerUnit{Unit: decimal.NewFromInt(1), PointsPerUnit: 1}},
		{ID: "tiered", Name: "Tiered cashback", Formula: Tiered{Tiers: []Tier{
			{MinAmount: decimal.Zero, Percent: decimal.NewFromInt(5)},
			{MinAmount: decimal.NewFromInt(500), Percent: decimal.NewFromInt(10)},
			{MinAmount: decimal.NewFromInt(1000), Percent: decimal.NewFromInt(15)},
		}}},
	}
}
