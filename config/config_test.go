package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/handlers"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, handlers.DefaultTiming(), cfg.HandlerTiming())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
provider: azure
store:
  driver: sqlite
  dsn: file:cp.db
locks:
  backend: redis
  redis_addr: localhost:6379
  ttl: 2m
timing:
  poll_interval: 5s
  task_timeout: 1h
`))
	require.NoError(t, err)

	assert.Equal(t, "azure", cfg.Provider)
	assert.Equal(t, "file:cp.db", cfg.Store.DSN)
	assert.Equal(t, 2*time.Minute, cfg.Locks.TTL)
	assert.Equal(t, "controlplane:lock:", cfg.Locks.Prefix, "unset fields keep defaults")

	timing := cfg.HandlerTiming()
	assert.Equal(t, 5*time.Second, timing.PollInterval)
	assert.Equal(t, time.Hour, timing.TaskTimeout)
	assert.Equal(t, 100, timing.PollsPerGeneration)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"unknown driver":      "store:\n  driver: postgres\n",
		"sqlite without dsn":  "store:\n  driver: sqlite\n",
		"redis without addr":  "locks:\n  backend: redis\n",
		"nats without url":    "queue:\n  driver: nats\n",
		"blob without bucket": "audit:\n  blob_connection_string: UseDevelopmentStorage=true\n",
		"zero workers":        "queue:\n  workers: 0\n",
		"renew after ttl":     "locks:\n  ttl: 1m\n  renew_interval: 2m\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, "INVALID_CONFIG", command.Code(err))
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controlplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n  format: text\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
