package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error codes for classified exchange failures.
const (
	CodeRateLimited       = "RATE_LIMITED"
	CodeTimeout           = "TIMEOUT"
	CodeNetwork           = "NETWORK"
	CodeServerError       = "SERVER_ERROR"
	CodeInvalidSymbol     = "INVALID_SYMBOL"
	CodeInvalidOrder      = "INVALID_ORDER"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeMinNotional       = "MIN_NOTIONAL"
	CodeOrderNotFound     = "ORDER_NOT_FOUND"
	CodeAuth              = "AUTH"
	CodeUnsupported       = "UNSUPPORTED"
)

// ErrUnsupported is returned for operations an adapter cannot serve.
var ErrUnsupported = &ExchangeError{Code: CodeUnsupported, Message: "operation not supported by adapter"}

// ExchangeError is a classified error from an exchange adapter.
// Retryable errors are transient (rate limits, timeouts, 5xx); the rest
// are permanent and the offending action must be dropped or adapted.
type ExchangeError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (e *ExchangeError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("exchange error %s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("exchange error %s: %s", e.Code, e.Message)
}

// NewError creates a classified exchange error.
func NewError(code, message string, retryable bool) *ExchangeError {
	return &ExchangeError{Code: code, Message: message, Retryable: retryable}
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// IsPermanent reports whether the error is a definitive rejection.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

// IsInsufficientFunds reports whether the error is a balance rejection.
func IsInsufficientFunds(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Code == CodeInsufficientFunds
}

// IsMinNotional reports whether the order value was below the symbol floor.
func IsMinNotional(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Code == CodeMinNotional
}

// ClassifyError wraps an arbitrary adapter failure into an ExchangeError.
// Already-classified errors pass through unchanged.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExchangeError{Code: CodeTimeout, Message: op + " timed out", Details: err.Error(), Retryable: true}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &ExchangeError{Code: CodeNetwork, Message: op + " network failure", Details: err.Error(), Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many"):
		return &ExchangeError{Code: CodeRateLimited, Message: op + " rate limited", Details: err.Error(), Retryable: true}
	case strings.Contains(msg, "insufficient"):
		return &ExchangeError{Code: CodeInsufficientFunds, Message: op + " rejected", Details: err.Error(), Retryable: false}
	case strings.Contains(msg, "notional"), strings.Contains(msg, "lower than"):
		return &ExchangeError{Code: CodeMinNotional, Message: op + " below min notional", Details: err.Error(), Retryable: false}
	case strings.Contains(msg, "invalid symbol"), strings.Contains(msg, "not exists"):
		return &ExchangeError{Code: CodeInvalidSymbol, Message: op + " unknown symbol", Details: err.Error(), Retryable: false}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "5xx"), strings.Contains(msg, "server error"):
		return &ExchangeError{Code: CodeServerError, Message: op + " server error", Details: err.Error(), Retryable: true}
	}
	return &ExchangeError{Code: CodeInvalidOrder, Message: op + " failed", Details: err.Error(), Retryable: false}
}
