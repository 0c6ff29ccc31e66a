package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/idempotency"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:      srv.URL,
		SecretKey:    "test_sk",
		ReadTimeout:  200 * time.Millisecond,
		FailureRatio: 0.5,
		MinRequests:  2,
		OpenTimeout:  time.Minute,
	}, zap.NewNop(), nil)
	return c, &calls
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestConfirmSendsAuthAndIdempotencyKey(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/confirm", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "test_sk", user)
		assert.Empty(t, pass)
		assert.Equal(t, idempotency.Derive("confirm", "pk_1", "order-1"), r.Header.Get(idempotency.Header))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(10000), body["amount"])

		writeJSON(w, http.StatusOK, map[string]any{
			"paymentKey": "pk_1", "orderId": "order-1", "status": "DONE",
			"approvedAt": "2026-10-19T10:00:00+09:00", "totalAmount": 10000,
		})
	})

	resp, err := c.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pk_1", OrderID: "order-1", Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, resp.Status)
	assert.Equal(t, int64(10000), resp.TotalAmount)
	assert.False(t, resp.ApprovedAt.IsZero())
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		kind      Kind
		retryable bool
	}{
		{http.StatusUnauthorized, "UNAUTHORIZED_KEY", KindAuth, false},
		{http.StatusForbidden, "FORBIDDEN_REQUEST", KindAuth, false},
		{http.StatusNotFound, "NOT_FOUND_PAYMENT", KindNotFound, false},
		{http.StatusBadRequest, "REJECT_CARD_COMPANY", KindRejected, false},
		{http.StatusTooManyRequests, "TOO_MANY_REQUESTS", KindProvider, true},
		{http.StatusInternalServerError, "FAILED_INTERNAL_SYSTEM_PROCESSING", KindProvider, true},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, map[string]string{"code": tc.code, "message": "nope"})
			})
			_, err := c.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pk", OrderID: "o", Amount: 1})
			var ge *Error
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tc.kind, ge.Kind)
			assert.Equal(t, tc.code, ge.Code)
			assert.Equal(t, tc.status, ge.HTTPStatus)
			assert.Equal(t, tc.retryable, ge.Retryable())
		})
	}
}

func TestTimeoutIsUnknown(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]string{"status": "DONE"})
	})
	_, err := c.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pk", OrderID: "o", Amount: 1})
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindUnknown, ge.Kind)
	assert.Equal(t, CodeNetwork, ge.Code)
	assert.True(t, IsUnknown(err))
}

func TestBreakerOpensWithoutNetworkCall(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "PROVIDER_ERROR"})
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Confirm(ctx, ConfirmRequest{PaymentKey: "pk", OrderID: "o", Amount: 1})
		require.Error(t, err)
	}
	require.Equal(t, int32(2), atomic.LoadInt32(calls))

	_, err := c.Confirm(ctx, ConfirmRequest{PaymentKey: "pk", OrderID: "o", Amount: 1})
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, CodeCircuitOpen, ge.Code)
	assert.Equal(t, KindUnknown, ge.Kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))

	// the cancel breaker is independent
	_, err = c.Cancel(ctx, CancelRequest{PaymentKey: "pk", CancelAmount: 1, CancelReason: "x"})
	require.ErrorAs(t, err, &ge)
	assert.NotEqual(t, CodeCircuitOpen, ge.Code)
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "REJECT_CARD_COMPANY"})
	})
	for i := 0; i < 5; i++ {
		_, err := c.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pk", OrderID: "o", Amount: 1})
		require.Error(t, err)
		assert.NotEqual(t, CodeCircuitOpen, CodeOf(err))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(calls))
}

func TestCancelAlreadyCanceled(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/pk_9/cancel", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "stock shortage", body["cancelReason"])
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": CodeAlreadyCanceled, "message": "already canceled"})
	})
	_, err := c.Cancel(context.Background(), CancelRequest{PaymentKey: "pk_9", CancelAmount: 500, CancelReason: "stock shortage"})
	assert.True(t, IsAlreadyCanceled(err))
	assert.False(t, IsUnknown(err))
}

func TestCancelSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(idempotency.Header))
		writeJSON(w, http.StatusOK, map[string]any{"paymentKey": "pk_9", "status": StatusCanceled, "canceledAt": "2026-10-19T10:00:00Z"})
	})
	resp, err := c.Cancel(context.Background(), CancelRequest{PaymentKey: "pk_9", CancelAmount: 500, CancelReason: "x", IdempotencyKey: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, resp.Status)
}

func TestInvalidResponseIsUnknown(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>"))
	})
	_, err := c.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pk", OrderID: "o", Amount: 1})
	assert.Equal(t, CodeInvalidResponse, CodeOf(err))
	assert.True(t, IsUnknown(err))
}
