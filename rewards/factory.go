/*
factory.go - JSON to Rule conversion

PURPOSE:
  Loads the rule catalogue from JSON so marketing can change accrual
  formulas without a deploy. The server reads RULES_FILE at startup;
  without it DefaultRules() is used.

JSON SCHEMA:
  [
    {
      "id": "base",
      "name": "Base cashback",
      "type": "percentage",
      "percent": "10",
      "min_payment": "1.00",
      "max_points": 5000,
      "valid_from": "2025-01-01T00:00:00Z",
      "valid_to": "2026-01-01T00:00:00Z"
    },
    {"id": "welcome", "type": "fixed", "points": 50},
    {"id": "per_dollar", "type": "per_unit", "unit": "1", "points_per_unit": 1},
    {"id": "tiered", "type": "tiered", "tiers": [
      {"min_amount": "0", "percent": "5"},
      {"min_amount": "500", "percent": "10"}
    ]}
  ]

  Decimal fields accept JSON strings or numbers.

USAGE:
  rules, err := rewards.LoadRules("./rules.json")
  reg, err := rewards.NewRegistry(rules...)
*/
package rewards

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID            string           `json:"id"`
	Name          string           `json:"name,omitempty"`
	Type          FormulaKind      `json:"type"`
	Percent       *decimal.Decimal `json:"percent,omitempty"`
	Points        int64            `json:"points,omitempty"`
	Unit          *decimal.Decimal `json:"unit,omitempty"`
	PointsPerUnit int64            `json:"points_per_unit,omitempty"`
	Tiers         []TierJSON       `json:"tiers,omitempty"`
	MinPayment    *decimal.Decimal `json:"min_payment,omitempty"`
	MaxPoints     int64            `json:"max_points,omitempty"`
	ValidFrom     *time.Time       `json:"valid_from,omitempty"`
	ValidTo       *time.Time       `json:"valid_to,omitempty"`
}

// TierJSON represents one tier of a tiered rule.
type TierJSON struct {
	MinAmount decimal.Decimal `json:"min_amount"`
	Percent   decimal.Decimal `json:"percent"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRules converts a JSON array of rule definitions.
func ParseRules(data []byte) ([]Rule, error) {
	var defs []RuleJSON
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("invalid rules JSON: %w", err)
	}

	rules := make([]Rule, 0, len(defs))
	for i, def := range defs {
		r, err := def.ToRule()
		if err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadRules reads and parses a rules file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ToRule converts the JSON form. Semantic validation happens in NewRegistry.
func (j RuleJSON) ToRule() (Rule, error) {
	r := Rule{ID: j.ID, Name: j.Name, MaxPoints: j.MaxPoints}
	if r.Name == "" {
		r.Name = j.ID
	}
	if j.MinPayment != nil {
		r.MinPayment = *j.MinPayment
	}
	if j.ValidFrom != nil {
		r.ValidFrom = j.ValidFrom.UTC()
	}
	if j.ValidTo != nil {
		r.ValidTo = j.ValidTo.UTC()
	}

	switch j.Type {
	case FormulaPercentage:
		if j.Percent == nil {
			return Rule{}, fmt.Errorf("%q: percentage rule needs percent", j.ID)
		}
		r.Formula = Percentage{Percent: *j.Percent}
	case FormulaFixed:
		r.Formula = Fixed{Amount: j.Points}
	case FormulaPerUnit:
		if j.Unit == nil {
			return Rule{}, fmt.Errorf("%q: per_unit rule needs unit", j.ID)
		}
		r.Formula = PerUnit{Unit: *j.Unit, PointsPerUnit: j.PointsPerUnit}
	case FormulaTiered:
		tiers := make([]Tier, len(j.Tiers))
		for i, t := range j.Tiers {
			tiers[i] = Tier{MinAmount: t.MinAmount, Percent: t.Percent}
		}
		r.Formula = Tiered{Tiers: tiers}
	default:
		return Rule{}, fmt.Errorf("%q: unknown rule type %q", j.ID, j.Type)
	}
	return r, nil
}

// ToJSON converts a rule back to its JSON form (used by GET /api/rules).
func ToJSON(r Rule) RuleJSON {
	j := RuleJSON{ID: r.ID, Name: r.Name, Type: r.Formula.Kind(), MaxPoints: r.MaxPoints}
	if !r.MinPayment.IsZero() {
		mp := r.MinPayment
		j.MinPayment = &mp
	}
	if !r.ValidFrom.IsZero() {
		vf := r.ValidFrom
		j.ValidFrom = &vf
	}
	if !r.ValidTo.IsZero() {
		vt := r.ValidTo
		j.ValidTo = &vt
	}
	switch f := r.Formula.(type) {
	case Percentage:
		p := f.Percent
		j.Percent = &p
	case Fixed:
		j.Points = f.Amount
	case PerUnit:
		u := f.Unit
		j.Unit = &u
		j.PointsPerUnit = f.PointsPerUnit
	case Tiered:
		for _, t := range f.Tiers {
			j.Tiers = append(j.Tiers, TierJSON{MinAmount: t.MinAmount, Percent: t.Percent})
		}
	}
	return j
}
