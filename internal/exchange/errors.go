package exchange

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// TransportError failure talking to a remote exchange, tagged with its retry class.
type TransportError struct {
	Exchange  string
	Op        string
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transient reports whether the call may succeed if repeated.
func (e *TransportError) Transient() bool {
	return e.Retryable
}

// Wrap tags err as a transport failure of op. nil stays nil.
func Wrap(exchange, op string, err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &TransportError{Exchange: exchange, Op: op, Err: err, Retryable: retryable}
}

// IsNetworkError reports connection-level failures: dial, reset, timeouts and truncated bodies.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
