package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0644))
	return tmp
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Sweep.DefaultAfterDays)
	assert.Equal(t, 3, cfg.Sweep.DueSoonDays)
	assert.Equal(t, 4, cfg.Notify.Workers)
}

func TestLoadFromFileWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  addr: ":9090"
  read_timeout: 5s
database:
  path: /tmp/loans.db
redis:
  addr: localhost:6379
  lock_ttl: 3s
kafka:
  brokers: ["k1:9092"]
  topic: loans
sweep:
  interval: 1h
  default_after_days: 45
`)
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("SWEEP_DUE_SOON_DAYS", "5")
	t.Setenv("NOTIFY_WORKERS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "/tmp/loans.db", cfg.Database.Path)
	assert.Equal(t, 3*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "loans", cfg.Kafka.Topic)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, 45, cfg.Sweep.DefaultAfterDays)
	assert.Equal(t, 5, cfg.Sweep.DueSoonDays)
	assert.Equal(t, 4, cfg.Notify.Workers)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeTempConfig(t, "server: [not a map"))
	assert.Error(t, err)

	_, err = Load(writeTempConfig(t, "sweep:\n  default_after_days: 0\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})

	t.Run("empty database path", func(t *testing.T) {
		c := Default()
		c.Database.Path = ""
		assert.Error(t, c.Validate())
	})

	t.Run("redis without lock ttl", func(t *testing.T) {
		c := Default()
		c.Redis.Addr = "localhost:6379"
		c.Redis.LockTTL = 0
		assert.Error(t, c.Validate())
	})

	t.Run("kafka without topic", func(t *testing.T) {
		c := Default()
		c.Kafka.Brokers = []string{"k:9092"}
		c.Kafka.Topic = ""
		assert.Error(t, c.Validate())
	})

	t.Run("unknown log format", func(t *testing.T) {
		c := Default()
		c.Logging.Format = "xml"
		assert.Error(t, c.Validate())
	})
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "42")
	t.Setenv("CFG_TEST_DUR", "250ms")
	t.Setenv("CFG_TEST_BLANK", "  ")

	assert.Equal(t, 42, GetEnvOrDefaultAsInt("CFG_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvOrDefaultAsInt("CFG_TEST_UNSET", 1))
	assert.Equal(t, 250*time.Millisecond, GetEnvOrDefaultAsDuration("CFG_TEST_DUR", time.Second))
	assert.Equal(t, "fallback", GetEnvOrDefaultAsString("CFG_TEST_BLANK", "fallback"))
}
