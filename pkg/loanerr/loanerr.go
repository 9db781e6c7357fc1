// Package loanerr defines the error taxonomy surfaced by the loan servicing engine.
package loanerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it (HTTP mapping, retries).
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindStateConflict     Kind = "STATE_CONFLICT"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindConcurrency       Kind = "CONCURRENCY_CONFLICT"
	KindBusinessRule      Kind = "BUSINESS_RULE"
)

// Error is a classified domain error. Code is a stable machine-readable reason
// such as "DebtRatioExceeded".
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, and additionally the same Code when
// the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidation        = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ErrStateConflict     = &Error{Kind: KindStateConflict, Message: "operation not allowed in current state"}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}
	ErrConcurrency       = &Error{Kind: KindConcurrency, Message: "resource was modified by another process"}
	ErrBusinessRule      = &Error{Kind: KindBusinessRule, Message: "business rule violated"}
)

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

func StateConflict(code, format string, args ...any) *Error {
	return newError(KindStateConflict, code, format, args...)
}

func InsufficientFunds(code, format string, args ...any) *Error {
	return newError(KindInsufficientFunds, code, format, args...)
}

func Concurrency(code, format string, args ...any) *Error {
	return newError(KindConcurrency, code, format, args...)
}

func BusinessRule(code, format string, args ...any) *Error {
	return newError(KindBusinessRule, code, format, args...)
}

// Wrap attaches a cause to a classified error.
func Wrap(e *Error, cause error) *Error {
	e.Err = cause
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
