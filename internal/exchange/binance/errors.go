package binance

import (
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

const (
	apiCodeUnknown          = -1000
	apiCodeDisconnected     = -1001
	apiCodeTooManyRequests  = -1003
	apiCodeUnexpectedResp   = -1006
	apiCodeTimeout          = -1007
	apiCodeServerBusy       = -1008
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
)

var transientCodes = map[int64]bool{
	apiCodeUnknown:         true,
	apiCodeDisconnected:    true,
	apiCodeTooManyRequests: true,
	apiCodeUnexpectedResp:  true,
	apiCodeTimeout:         true,
	apiCodeServerBusy:      true,
}

var insufficientBalanceMessages = []string{
	"account has insufficient balance for requested action.",
	"balance is insufficient.",
}

// classify maps a go-binance error to a domain error or a tagged transport error.
// id is the client order id the call was about, empty when not order scoped.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// 5xx and gateway pages come back without a code, only a raw body
		if !apiErr.IsValid() {
			return exchange.Wrap(Name, op, err, true)
		}
		switch {
		case apiErr.Code == apiCodeOrderNotFound, apiErr.Code == apiCodeCancelRejected && id != "":
			return &domain.OrderNotFoundError{ID: id}
		case apiErr.Code == apiCodeNewOrderRejected:
			msg := strings.ToLower(strings.TrimSpace(apiErr.Message))
			for _, m := range insufficientBalanceMessages {
				if msg == m {
					return &domain.InvalidOrderError{Reason: apiErr.Message, Err: domain.ErrInsufficientBalance}
				}
			}
			return &domain.InvalidOrderError{Reason: apiErr.Message, Err: apiErr}
		}
		return exchange.Wrap(Name, op, err, transientCodes[apiErr.Code])
	}

	return exchange.Wrap(Name, op, err, exchange.IsNetworkError(err))
}
