package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 10*time.Second, cfg.SyncLockTimeout)
	assert.Equal(t, 24*time.Hour, cfg.OverdueAfter)
	assert.Equal(t, "@every 5m", cfg.OverdueSweepSchedule)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SYNC_LOCK_TIMEOUT", "3s")
	t.Setenv("ZENDESK_PAGE_SIZE", "25")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("SYNC_WORKERS", "not-a-number")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.ab.bot, https://admin.ab.bot,")

	cfg := Load()

	assert.Equal(t, 3*time.Second, cfg.SyncLockTimeout)
	assert.Equal(t, 25, cfg.ZendeskPageSize)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 4, cfg.SyncWorkers)
	assert.Equal(t, []string{"https://app.ab.bot", "https://admin.ab.bot"}, cfg.CORSAllowedOrigins)
}
