package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
)

// PriceAdjustment is the discount a rule grants on a priced cart.
type PriceAdjustment struct {
	RuleID string
	Code   string
	Total  int64
	// Lines maps a variant ID to the discount allocated to its line.
	Lines map[string]int64
}

// EvaluateDiscount checks the validity window, usage limit and scope of rule against lines.
// It never touches the rule's usage counter.
func EvaluateDiscount(rule *models.DiscountRule, lines []PricedLine, now time.Time) (*PriceAdjustment, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: no rule", apperrors.ErrDiscountInvalid)
	}
	if err := checkTerms(rule); err != nil {
		return nil, err
	}
	if rule.Exhausted() {
		return nil, fmt.Errorf("%w: %s reached its usage limit", apperrors.ErrDiscountInvalid, rule.Code)
	}
	if !rule.StartDate.IsZero() && now.Before(rule.StartDate) {
		return nil, fmt.Errorf("%w: %s is not active yet", apperrors.ErrDiscountInvalid, rule.Code)
	}
	if !rule.EndDate.IsZero() && now.After(rule.EndDate) {
		return nil, fmt.Errorf("%w: %s ended at %s", apperrors.ErrDiscountExpired, rule.Code, rule.EndDate.Format(time.RFC3339))
	}

	var eligible []PricedLine
	var eligibleTotal int64
	for _, line := range lines {
		if rule.Matches(line.VariantID, line.CategoryID) {
			eligible = append(eligible, line)
			eligibleTotal += line.Subtotal()
		}
	}
	if len(eligible) == 0 || eligibleTotal == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDiscountScopeMismatch, rule.Code)
	}

	adj := &PriceAdjustment{RuleID: rule.ID, Code: rule.Code, Lines: make(map[string]int64, len(eligible))}
	if rule.PercentOff > 0 {
		pct := decimal.NewFromInt(int64(rule.PercentOff)).Div(decimal.NewFromInt(100))
		for _, line := range eligible {
			off := min(decimal.NewFromInt(line.Subtotal()).Mul(pct).Floor().IntPart(), line.Subtotal())
			adj.Lines[line.VariantID] += off
			adj.Total += off
		}
		return adj, nil
	}

	// A fixed amount is spread over the eligible lines by their share of the eligible total.
	amount := min(rule.AmountOff, eligibleTotal)
	remaining := amount
	for i, line := range eligible {
		off := remaining
		if i < len(eligible)-1 {
			share := decimal.NewFromInt(line.Subtotal()).Div(decimal.NewFromInt(eligibleTotal))
			off = decimal.NewFromInt(amount).Mul(share).Floor().IntPart()
		}
		off = min(off, line.Subtotal())
		adj.Lines[line.VariantID] += off
		remaining -= off
	}
	adj.Total = amount - remaining
	return adj, nil
}

// checkTerms rejects a rule whose terms contradict each other. A rule grants either a fixed
// amount or a percentage between 1 and 100, never both.
func checkTerms(rule *models.DiscountRule) error {
	switch {
	case rule.AmountOff != 0 && rule.PercentOff != 0:
		return fmt.Errorf("%w: rule %s sets both a fixed amount and a percentage", apperrors.ErrDiscountInvalid, rule.Code)
	case rule.PercentOff != 0 && (rule.PercentOff < 1 || rule.PercentOff > 100):
		return fmt.Errorf("%w: rule %s percentage %d is out of range", apperrors.ErrDiscountInvalid, rule.Code, rule.PercentOff)
	case rule.PercentOff == 0 && rule.AmountOff <= 0:
		return fmt.Errorf("%w: rule %s grants nothing", apperrors.ErrDiscountInvalid, rule.Code)
	case !rule.StartDate.IsZero() && !rule.EndDate.IsZero() && rule.EndDate.Before(rule.StartDate):
		return fmt.Errorf("%w: rule %s ends before it starts", apperrors.ErrDiscountInvalid, rule.Code)
	}
	return nil
}
