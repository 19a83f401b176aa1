package domain

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance the free balance cannot cover the order.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrMissingStartTime the simulated exchange was built without a backtest start.
	ErrMissingStartTime = errors.New("backtest start time is required")
	// ErrNotSupported the exchange does not offer the operation.
	ErrNotSupported = errors.New("operation not supported by exchange")
)

// OrderOutOfRangeError an order value violates a configured market limit.
type OrderOutOfRangeError struct {
	Property string
	Value    decimal.Decimal
	Min      decimal.NullDecimal
	Max      decimal.NullDecimal
}

func (e *OrderOutOfRangeError) Error() string {
	return fmt.Sprintf("order %s %s is out of range [%s, %s]",
		e.Property, e.Value.String(), boundString(e.Min), boundString(e.Max))
}

// UndefinedLimitsError market limits were not loaded before validating an order.
type UndefinedLimitsError struct {
	Property string
	Min      decimal.NullDecimal
	Max      decimal.NullDecimal
}

func (e *UndefinedLimitsError) Error() string {
	return fmt.Sprintf("%s limits are undefined [%s, %s], load markets first",
		e.Property, boundString(e.Min), boundString(e.Max))
}

// OrderNotFoundError the exchange does not know the order id.
type OrderNotFoundError struct {
	ID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.ID)
}

// InvalidOrderError the order was rejected for a domain reason.
type InvalidOrderError struct {
	Reason string
	Err    error
}

func (e *InvalidOrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid order: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid order: %s", e.Reason)
}

func (e *InvalidOrderError) Unwrap() error {
	return e.Err
}

// NewInsufficientBalanceError builds an InvalidOrderError wrapping ErrInsufficientBalance.
func NewInsufficientBalanceError(currency string, have, need decimal.Decimal) *InvalidOrderError {
	return &InvalidOrderError{
		Reason: fmt.Sprintf("%s free balance %s cannot cover %s", currency, have.String(), need.String()),
		Err:    ErrInsufficientBalance,
	}
}

func boundString(b decimal.NullDecimal) string {
	if !b.Valid {
		return "unset"
	}
	return b.Decimal.String()
}
