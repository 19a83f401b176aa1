package bybit

import (
	"strings"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

var transientMessages = []string{
	"too many visits",
	"server timeout",
	"internal system error",
	"system busy",
	"timeout",
	"unexpected status code 5",
	"unexpected status code 429",
}

var notFoundMessages = []string{
	"order does not exist",
	"order not exists",
	"order not found",
}

var insufficientMessages = []string{
	"insufficient balance",
	"not enough balance",
}

// classify maps a bybit error to a domain error or a tagged transport error. The
// library reports rejected requests as plain errors carrying retMsg, so matching is by text.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	if id != "" && containsAny(msg, notFoundMessages) {
		return &domain.OrderNotFoundError{ID: id}
	}
	if containsAny(msg, insufficientMessages) {
		return &domain.InvalidOrderError{Reason: err.Error(), Err: domain.ErrInsufficientBalance}
	}
	if exchange.IsNetworkError(err) || containsAny(msg, transientMessages) {
		return exchange.Wrap(Name, op, err, true)
	}
	return exchange.Wrap(Name, op, err, false)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
