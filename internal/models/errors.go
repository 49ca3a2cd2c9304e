package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorCode classifies ledger failures for callers and the REST layer.
type ErrorCode string

const (
	CodeInvalidInput         ErrorCode = "invalid_input"
	CodeInsufficientFunds    ErrorCode = "insufficient_funds"
	CodeInsufficientHoldings ErrorCode = "insufficient_holdings"
	CodeAlreadyHeld          ErrorCode = "already_held"
	CodeStorageFailure       ErrorCode = "storage_failure"
)

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrInvalidInput         = &LedgerError{Code: CodeInvalidInput}
	ErrInsufficientFunds    = &LedgerError{Code: CodeInsufficientFunds}
	ErrInsufficientHoldings = &LedgerError{Code: CodeInsufficientHoldings}
	ErrAlreadyHeld          = &LedgerError{Code: CodeAlreadyHeld}
	ErrStorageFailure       = &LedgerError{Code: CodeStorageFailure}
)

// LedgerError is the structured error returned by trade operations.
// Required and Available are set for the insufficient-* codes so callers can
// show an actionable message.
type LedgerError struct {
	Code      ErrorCode
	Message   string
	Required  *decimal.Decimal
	Available *decimal.Decimal
	Err       error // underlying cause, never shown to API callers
}

func (e *LedgerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is matches any LedgerError carrying the same code.
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may retry the same request.
// Everything except a storage failure is deterministic for a given input.
func (e *LedgerError) Retryable() bool {
	return e.Code == CodeStorageFailure
}

// NewInvalidInput reports a missing or non-positive field.
func NewInvalidInput(format string, args ...any) *LedgerError {
	return &LedgerError{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NewInsufficientFunds reports a balance too small for the debit.
func NewInsufficientFunds(required, available decimal.Decimal) *LedgerError {
	return &LedgerError{
		Code:      CodeInsufficientFunds,
		Message:   fmt.Sprintf("insufficient funds: required %s, available %s", required.String(), available.String()),
		Required:  &required,
		Available: &available,
	}
}

// NewInsufficientHoldings reports a sell larger than the position.
func NewInsufficientHoldings(symbol string, required, available decimal.Decimal) *LedgerError {
	return &LedgerError{
		Code:      CodeInsufficientHoldings,
		Message:   fmt.Sprintf("insufficient %s holdings: required %s, available %s", symbol, required.String(), available.String()),
		Required:  &required,
		Available: &available,
	}
}

// NewAlreadyHeld reports a manual entry for a symbol that is already held.
func NewAlreadyHeld(symbol string) *LedgerError {
	return &LedgerError{
		Code:    CodeAlreadyHeld,
		Message: fmt.Sprintf("%s is already held; use buy to add to the position", symbol),
	}
}

// NewStorageFailure wraps a lock or commit failure.
func NewStorageFailure(err error) *LedgerError {
	return &LedgerError{
		Code:    CodeStorageFailure,
		Message: "ledger storage unavailable, please retry",
		Err:     err,
	}
}
