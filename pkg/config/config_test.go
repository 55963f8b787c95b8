package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dataqueue", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, "postgres", cfg.Queue.Backend)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoadRejectsUnknownQueueBackend(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "sqlite")
	_, err := Load()
	assert.ErrorContains(t, err, "QUEUE_BACKEND")
}

func TestLoadAcceptsKVBackend(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "kv")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "kv", cfg.Queue.Backend)
}

func TestLoadRequiresJWTSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestLoadProductionWithJWTSecretSet(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "a-real-secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "a-real-secret", cfg.Auth.JWTSecret)
}

func TestDatabaseConfigURL(t *testing.T) {
	db := DatabaseConfig{
		Host: "db.internal", Port: 5432, User: "app", Password: "pw",
		Database: "dataqueue", SSLMode: "require",
	}
	assert.Equal(t, "postgres://app:pw@db.internal:5432/dataqueue?sslmode=require", db.URL())
}

func TestRedisConfigURLWithoutPassword(t *testing.T) {
	r := RedisConfig{Host: "redis.internal", Port: 6379, DB: 2}
	assert.Equal(t, "redis://redis.internal:6379/2", r.URL())
}

func TestRedisConfigURLWithPassword(t *testing.T) {
	r := RedisConfig{Host: "redis.internal", Port: 6379, Password: "secret", DB: 0}
	assert.Equal(t, "redis://:secret@redis.internal:6379/0", r.URL())
}

func TestGetEnvSliceSplitsOnComma(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "10.0.0.1,10.0.0.2")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Server.TrustedProxies)
}

func TestGetEnvDurationFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("QUEUE_POLL_INTERVAL", "not-a-duration")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval)
}
