// Package limits validates order values against market limits.
//
// The lenient checks treat unset bounds as unconstrained. The strict checks
// additionally require the lower bound to be known, which is how callers detect
// that market limits were never loaded.
package limits

import (
	"github.com/shopspring/decimal"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

const (
	PropertyPrice  = "price"
	PropertyAmount = "amount"
	PropertyCost   = "cost"
)

// CheckPrice returns price unchanged when it lies within r.
func CheckPrice(price decimal.Decimal, r domain.Range) (decimal.Decimal, error) {
	if err := check(PropertyPrice, price, r); err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

// CheckAmount returns amount unchanged when it lies within r.
func CheckAmount(amount decimal.Decimal, r domain.Range) (decimal.Decimal, error) {
	if err := check(PropertyAmount, amount, r); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// CheckCost checks amount * price against r.
func CheckCost(amount, price decimal.Decimal, r domain.Range) error {
	return check(PropertyCost, amount.Mul(price), r)
}

// CheckAmountStrict is CheckAmount that fails with UndefinedLimitsError when r has no minimum.
func CheckAmountStrict(amount decimal.Decimal, r domain.Range) (decimal.Decimal, error) {
	if !r.Min.Valid {
		return decimal.Zero, &domain.UndefinedLimitsError{Property: PropertyAmount, Min: r.Min, Max: r.Max}
	}
	return CheckAmount(amount, r)
}

// CheckCostStrict is CheckCost that fails with UndefinedLimitsError when r has no minimum.
func CheckCostStrict(amount, price decimal.Decimal, r domain.Range) error {
	if !r.Min.Valid {
		return &domain.UndefinedLimitsError{Property: PropertyCost, Min: r.Min, Max: r.Max}
	}
	return CheckCost(amount, price, r)
}

func check(property string, value decimal.Decimal, r domain.Range) error {
	if r.IsUnset() {
		return nil
	}
	if r.Min.Valid && value.LessThan(r.Min.Decimal) {
		return &domain.OrderOutOfRangeError{Property: property, Value: value, Min: r.Min, Max: r.Max}
	}
	if r.Max.Valid && value.GreaterThan(r.Max.Decimal) {
		return &domain.OrderOutOfRangeError{Property: property, Value: value, Min: r.Min, Max: r.Max}
	}
	return nil
}
