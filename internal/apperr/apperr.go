// Package apperr is the error taxonomy shared by the saga components and the
// HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindGatewayRejected   Kind = "GATEWAY_REJECTED"
	KindGatewayUnknown    Kind = "GATEWAY_UNKNOWN"
	KindInsufficientStock Kind = "INSUFFICIENT_STOCK"
	KindAmountMismatch    Kind = "AMOUNT_MISMATCH"
	KindInternal          Kind = "INTERNAL"
)

// Error carries a Kind for routing plus a stable Code for clients.
// Code defaults to the Kind when empty.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) code() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

// PublicCode is the code rendered in {code, message} responses.
func (e *Error) PublicCode() string { return e.code() }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(message string) *Error { return New(KindValidation, "", message) }

func NotFound(message string) *Error { return New(KindNotFound, "", message) }

func Conflict(message string) *Error { return New(KindConflict, "", message) }

func InsufficientStock(message string) *Error { return New(KindInsufficientStock, "", message) }

// KindOf returns the Kind of the first *Error in the chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindAmountMismatch:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInsufficientStock:
		return http.StatusConflict
	case KindGatewayRejected:
		return http.StatusPaymentRequired
	case KindGatewayUnknown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
