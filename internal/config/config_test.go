package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/app")
	t.Setenv("PG_BASE_URL", "http://pg.local/")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, contracts.Topic, c.KafkaTopic)
	assert.Equal(t, 500*time.Millisecond, c.OutboxInterval)
	assert.Equal(t, 2500*time.Millisecond, c.RequestTimeout())
	assert.Equal(t, "http://pg.local", c.Gateway().BaseURL)
	assert.Equal(t, uint32(5), c.Gateway().MinRequests)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Config{DatabaseURL: "x", OutboxBatch: 0, OutboxInterval: time.Second, PGFailureRatio: 1.5, RequestTimeoutMS: 1}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OUTBOX_BATCH")
	assert.Contains(t, err.Error(), "PG_BREAKER_FAILURE_RATIO")
}
