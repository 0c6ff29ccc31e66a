package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedError(t *testing.T) {
	base := Conflict("payment is not READY")
	wrapped := fmt.Errorf("confirm: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConflict))
	assert.False(t, Is(wrapped, KindNotFound))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestPublicCodeFallsBackToKind(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", NotFound("order").PublicCode())
	assert.Equal(t, "TOSS_CONFIRM_UNKNOWN", New(KindGatewayUnknown, "TOSS_CONFIRM_UNKNOWN", "timeout").PublicCode())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindGatewayUnknown, "", "pg confirm", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:        http.StatusBadRequest,
		KindNotFound:          http.StatusNotFound,
		KindConflict:          http.StatusConflict,
		KindInsufficientStock: http.StatusConflict,
		KindGatewayRejected:   http.StatusPaymentRequired,
		KindGatewayUnknown:    http.StatusBadGateway,
		KindAmountMismatch:    http.StatusBadRequest,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind)
	}
}
