package exchange

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

// ParseDecimal parses an exchange numeric field. Empty means zero.
func ParseDecimal(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s %q", field, s)
	}
	return d, nil
}

// OptionalBound parses a limit where empty or zero means "no bound".
func OptionalBound(field, s string) (decimal.NullDecimal, error) {
	d, err := ParseDecimal(field, s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if d.IsZero() {
		return decimal.NullDecimal{}, nil
	}
	return domain.Bound(d), nil
}

// StepPrecision number of decimal places of a tick or step size such as "0.00100000".
func StepPrecision(step string) int32 {
	step = strings.TrimSpace(step)
	dot := strings.IndexByte(step, '.')
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(step[dot+1:], "0")
	return int32(len(frac))
}
