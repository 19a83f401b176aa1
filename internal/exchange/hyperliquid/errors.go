package hyperliquid

import (
	"strings"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

var transientMessages = []string{
	"429",
	"rate limit",
	"500",
	"502",
	"503",
	"504",
	"timeout",
	"temporarily",
}

// classify maps a go-hyperliquid error to a domain error or a tagged transport error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "insufficient") {
		return &domain.InvalidOrderError{Reason: err.Error(), Err: domain.ErrInsufficientBalance}
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return exchange.Wrap(Name, op, err, true)
		}
	}
	return exchange.Wrap(Name, op, err, exchange.IsNetworkError(err))
}
