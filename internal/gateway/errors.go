package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindAuth     Kind = "AUTH"
	KindNotFound Kind = "NOT_FOUND"
	KindProvider Kind = "PROVIDER"
	KindRejected Kind = "REJECTED"
	KindUnknown  Kind = "UNKNOWN"
)

const (
	CodeAlreadyCanceled = "ALREADY_CANCELED_PAYMENT"
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeNetwork         = "NETWORK_ERROR"
	CodeInvalidResponse = "INVALID_RESPONSE"
)

// Error is a PG failure mapped into the local taxonomy.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pg %s %s: %s", e.Kind, e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the PG may not have seen, or may have completed,
// the call. Such outcomes need reconciliation rather than a definite answer.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnknown || e.Kind == KindProvider
}

// tripsBreaker decides which failures count against the circuit.
func (e *Error) tripsBreaker() bool {
	return e.Retryable()
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return KindProvider
	case status >= 400:
		return KindRejected
	}
	return KindUnknown
}

func IsAlreadyCanceled(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeAlreadyCanceled
}

// IsUnknown reports outcomes where the PG side may have succeeded.
func IsUnknown(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return err != nil
}

// CodeOf returns the PG error code, or CodeNetwork for errors that never
// reached the PG.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeNetwork
}
