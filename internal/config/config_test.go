package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "PROCESSOR_WEBHOOK_SECRET", "PROCESSOR_SECRET_KEY", "PAYOUT_DEFAULT_THRESHOLD", "KAFKA_BROKERS", "PUBLIC_BASE_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, ":8086", cfg.Server.Port)
	assert.Equal(t, "http://localhost:8086", cfg.Server.PublicBaseURL)
	assert.Equal(t, int64(10000), cfg.Payout.DefaultThreshold)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.Processor.WebhookSecret)
	assert.Equal(t, 5*time.Second, cfg.Settlement.BookkeepingTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "https://tickets.example.com/")
	t.Setenv("PROCESSOR_SECRET_KEY", "sk_test")
	t.Setenv("PROCESSOR_WEBHOOK_SECRET", "")
	t.Setenv("PAYOUT_DEFAULT_THRESHOLD", "250.50")
	t.Setenv("PAYOUT_SWEEP_INTERVAL", "1m")
	t.Setenv("PAYOUT_AUTO_RECREDIT", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DB_MAX_OPEN_CONNS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "https://tickets.example.com", cfg.Server.PublicBaseURL)
	assert.Equal(t, "sk_test", cfg.Processor.WebhookSecret, "webhook secret falls back to the API secret key")
	assert.Equal(t, int64(25050), cfg.Payout.DefaultThreshold)
	assert.Equal(t, time.Minute, cfg.Payout.SweepInterval)
	assert.True(t, cfg.Payout.AutoRecredit)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestGetEnvMinorUnits_RejectsNegative(t *testing.T) {
	t.Setenv("AMOUNT", "-5")
	assert.Equal(t, int64(42), getEnvMinorUnits("AMOUNT", 42))
}
