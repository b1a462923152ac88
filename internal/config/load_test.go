package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("CARDSCAN_CONFIG", "")
	t.Setenv("CARDSCAN_DATABASE_DRIVER", "memory")
	t.Setenv("CARDSCAN_AUTH_JWT_SECRET", testSecret)
	t.Setenv("CARDSCAN_QUEUE_STUCK_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Queue.StuckTimeout)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 72*time.Hour, cfg.Queue.FailedRetention)
	assert.Equal(t, 2*time.Minute, cfg.Queue.CommandLease)
	assert.Equal(t, 5, cfg.Queue.CommandMaxAttempts)
	assert.Equal(t, time.Minute, cfg.Queue.SweepInterval)
	assert.InDelta(t, 0.8, cfg.Recognition.ReviewThreshold, 1e-9)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9090
  log_level: debug
database:
  driver: sqlite
  url: ` + filepath.Join(dir, "scans.db") + `
auth:
  jwt_secret: ` + testSecret + `
queue:
  workers: 4
  max_batch_size: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 5, cfg.Queue.MaxBatchSize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CARDSCAN_CONFIG", "")

	t.Run("short secret", func(t *testing.T) {
		t.Setenv("CARDSCAN_DATABASE_DRIVER", "memory")
		t.Setenv("CARDSCAN_AUTH_JWT_SECRET", "short")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWTSecret")
	})

	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("CARDSCAN_DATABASE_DRIVER", "postgres")
		t.Setenv("CARDSCAN_DATABASE_URL", "")
		t.Setenv("CARDSCAN_AUTH_JWT_SECRET", testSecret)
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "URL")
	})

	t.Run("minio without endpoint", func(t *testing.T) {
		t.Setenv("CARDSCAN_DATABASE_DRIVER", "memory")
		t.Setenv("CARDSCAN_AUTH_JWT_SECRET", testSecret)
		t.Setenv("CARDSCAN_STORAGE_DRIVER", "minio")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Endpoint")
	})
}
