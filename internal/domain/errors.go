package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidIntent       = errors.New("invalid transaction intent")
	ErrInvalidMethod       = errors.New("payment method not supported for this transaction")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrLimitExceeded       = errors.New("amount outside payment method limits")
	ErrQuoteExpired        = errors.New("quote expired")
	ErrQuoteUnavailable    = errors.New("quote unavailable")
	ErrSubmissionFailed    = errors.New("submission failed")
	ErrTimeout             = errors.New("timed out waiting for response")
	ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")
	ErrNotRetryable        = errors.New("transaction is not retryable")
	ErrBusy                = errors.New("transaction is busy")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotChamaMember      = errors.New("caller is not a member of this chama")
	ErrInsufficientRole    = errors.New("caller lacks the required chama role")
	ErrCannotAbandon       = errors.New("transaction has been submitted and cannot be abandoned")
	ErrRateLimited         = errors.New("too many requests")
)

// LimitBound names which side of a payment method limit was violated.
type LimitBound string

const (
	LimitBoundMinimum LimitBound = "minimum"
	LimitBoundMaximum LimitBound = "maximum"
)

// LimitError carries the violated bound of a per-method transfer limit.
type LimitError struct {
	Method PaymentMethod
	Bound  LimitBound
	Limit  string
	Actual string
	Unit   string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s %s limit is %s %s, got %s %s", e.Method, e.Bound, e.Limit, e.Unit, e.Actual, e.Unit)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// RateLimitError is a refused request and how long until the next one is admitted.
type RateLimitError struct {
	Operation  string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s limited to %d per %s, retry after %s", e.Operation, e.Limit, e.Window, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// SubmissionError is a rejection reported by the settlement backend.
type SubmissionError struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *SubmissionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("settlement rejected request: %s (%s)", e.Code, e.Kind)
	}
	return fmt.Sprintf("settlement rejected request: %s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *SubmissionError) Is(target error) bool {
	if target == ErrSubmissionFailed {
		return true
	}
	return e.Code == CodeTimeout && target == ErrTimeout
}

// Settlement error codes understood by the orchestrator.
const (
	CodeTimeout             = "PROVIDER_TIMEOUT"
	CodeNetwork             = "NETWORK_ERROR"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL"
	CodeValidation          = "VALIDATION_FAILED"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeInvalidAccount      = "INVALID_ACCOUNT"
	CodeDuplicateRejected   = "DUPLICATE_REJECTED"
)

// ClassifyCode maps a settlement error code to its retryability. Unknown codes are terminal.
func ClassifyCode(code string) ErrorKind {
	switch code {
	case CodeTimeout, CodeNetwork, CodeProviderUnavailable, CodeRateLimited, CodeInternal:
		return ErrorKindRetryable
	default:
		return ErrorKindTerminal
	}
}
