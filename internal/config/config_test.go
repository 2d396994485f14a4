package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, "INR", cfg.Currency)
	assert.Equal(t, 7, cfg.ProrationDueDays)
	assert.Equal(t, 50, cfg.OutboxBatch)
	assert.Equal(t, 8, cfg.OutboxMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.OutboxInterval)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	env := envMap(map[string]string{
		"BILLING_PG_DSN":             "postgres://env",
		"BILLING_CURRENCY":           "usd",
		"BILLING_PRORATION_DUE_DAYS": "14",
		"BILLING_OUTBOX_INTERVAL":    "1m",
	})
	cfg, err := Load([]string{"-dsn", "postgres://flag", "-proration-due-days", "3", "dispatch", "-follow"}, env)
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag", cfg.PGDSN)
	assert.Equal(t, []string{"dispatch", "-follow"}, cfg.Args)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, 3, cfg.ProrationDueDays)
	assert.Equal(t, time.Minute, cfg.OutboxInterval)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(nil, envMap(map[string]string{"BILLING_OUTBOX_BATCH": "many"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILLING_OUTBOX_BATCH")

	_, err = Load(nil, envMap(map[string]string{"BILLING_CURRENCY": "RUPEE"}))
	require.Error(t, err)

	_, err = Load([]string{"-outbox-batch", "0"}, envMap(nil))
	require.Error(t, err)
}
