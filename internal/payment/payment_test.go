package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
)

func readyPayment() Payment {
	return Payment{ID: "p1", OrderID: "o1", Amount: 10000, Status: StatusReady}
}

func TestMarkPaid(t *testing.T) {
	p := readyPayment()
	require.NoError(t, p.MarkPaid("pk_1", time.Now()))
	assert.Equal(t, StatusPaid, p.Status)
	require.NotNil(t, p.ApprovedAt)

	require.NoError(t, p.MarkPaid("pk_1", time.Now()), "same key is a replay")
	assert.True(t, apperr.Is(p.MarkPaid("pk_2", time.Now()), apperr.KindConflict))

	failed := readyPayment()
	require.NoError(t, failed.MarkFailed("", "X", "x"))
	assert.True(t, apperr.Is(failed.MarkPaid("pk_1", time.Now()), apperr.KindConflict))
}

func TestMarkFailedOnlyFromReady(t *testing.T) {
	p := readyPayment()
	require.NoError(t, p.MarkFailed("pk_1", "REJECT", "declined"))
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "pk_1", p.PaymentKey)
	require.NoError(t, p.MarkFailed("", "OTHER", "again"))
	assert.Equal(t, "REJECT", p.FailCode, "second failure keeps the first reason")

	paid := readyPayment()
	require.NoError(t, paid.MarkPaid("pk_1", time.Now()))
	assert.True(t, apperr.Is(paid.MarkFailed("", "X", "x"), apperr.KindConflict))
}

func TestCancelLedger(t *testing.T) {
	p := readyPayment()
	assert.True(t, apperr.Is(p.ApplyCancel(Cancel{CancelAmount: 100}), apperr.KindConflict), "ready payments cannot be cancelled")
	require.NoError(t, p.MarkPaid("pk_1", time.Now()))

	require.NoError(t, p.ApplyCancel(Cancel{CancelAmount: 3000}))
	assert.Equal(t, StatusPaid, p.Status)
	assert.Equal(t, int64(7000), p.RemainingAmount())

	assert.True(t, apperr.Is(p.ApplyCancel(Cancel{CancelAmount: 7001}), apperr.KindValidation))
	assert.True(t, apperr.Is(p.ApplyCancel(Cancel{CancelAmount: 0}), apperr.KindValidation))
	assert.Len(t, p.Cancels, 1, "rejected cancels leave no entry")

	p.RecordCancelFailure("PROVIDER_ERROR", "try later")
	require.NoError(t, p.ApplyCancel(Cancel{CancelAmount: 7000}))
	assert.Equal(t, StatusCancelled, p.Status)
	assert.Equal(t, p.Amount, p.CanceledAmount())
	assert.Empty(t, p.FailCode)

	assert.True(t, apperr.Is(p.ApplyCancel(Cancel{CancelAmount: 1}), apperr.KindConflict))
}
