package entities

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable, client-facing classification of a failure.
type ErrorCode string

const (
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeDuplicateOrder      ErrorCode = "DUPLICATE_ORDER"
	CodeBelowMinimum        ErrorCode = "BELOW_MINIMUM"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeConfigMissing       ErrorCode = "CONFIG_MISSING"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Error is a domain error carrying a stable code.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

var (
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrStaleTransition     = &Error{Code: CodeConflict, Message: "STALE_TRANSITION: order status changed concurrently"}
	ErrInvalidStatus       = &Error{Code: CodeConflict, Message: "INVALID_STATUS: transition not allowed"}
	ErrDuplicateOrder      = &Error{Code: CodeDuplicateOrder, Message: "an active order already exists for this account"}
	ErrBelowMinimum        = &Error{Code: CodeBelowMinimum, Message: "requested amount is below the listing minimum"}
	ErrInsufficientBalance = &Error{Code: CodeInsufficientBalance, Message: "requested amount exceeds the available balance"}
	ErrConfigMissing       = &Error{Code: CodeConfigMissing, Message: "backend is not configured"}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
)

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a message to a sentinel while keeping its code.
func WrapError(sentinel *Error, format string, args ...any) error {
	return &Error{Code: sentinel.Code, Message: fmt.Sprintf(format, args...), cause: sentinel}
}

// CodeOf returns the code of the first domain error in the chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
