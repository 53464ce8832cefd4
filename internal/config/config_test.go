package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RouteCacheTTL)
	assert.Equal(t, int64(15), cfg.AdvisoryCentsPerKm)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "pairing-events", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("MIGRATE", "true")
	t.Setenv("LOG_LEVEL", " DEBUG ")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsProblems(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	t.Setenv("ADVISORY_CENTS_PER_KM", "-1")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET")
	assert.Contains(t, err.Error(), "ADVISORY_CENTS_PER_KM")
}

func TestLoadServerConfigBadDuration(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("HTTP_IDLE_TIMEOUT", "soon")

	_, err := LoadServerConfig()
	assert.Error(t, err)
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/tmp/rides.db")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "rideshare-consistency", cfg.KafkaGroup)
	assert.Equal(t, 24*time.Hour, cfg.DedupeTTL)

	t.Setenv("SQLITE_PATH", "")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "PG_DSN")
}
