package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsSkipEmpty(t *testing.T) {
	fields := Fields{Service: "saga-service", OrderID: "o-1", Step: "stock_confirm"}.Zap()
	require.Len(t, fields, 3)
	assert.Equal(t, "service", fields[0].Key)
	assert.Equal(t, "order_id", fields[1].Key)
	assert.Equal(t, "step", fields[2].Key)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("saga-service", "loud")
	assert.Error(t, err)

	logger, err := New("saga-service", "DEBUG")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
