package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "digest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 10, cfg.Scheduler.BatchSize)
	assert.Equal(t, 500, cfg.Queue.MaxSize)
	assert.Equal(t, 0, cfg.Scheduler.MaxConsecutiveFailures)
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("ENV", "production")
	path := writeConfig(t, t.TempDir(), `
scheduler:
  interval: 15s
  batch_size: 25
  max_consecutive_failures: 3
queue:
  max_size: 42
store:
  driver: redis
  redis_addr: localhost:6379
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 25, cfg.Scheduler.BatchSize)
	assert.Equal(t, 10, cfg.Scheduler.PageSize, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Scheduler.MaxConsecutiveFailures)
	assert.Equal(t, 42, cfg.Queue.MaxSize)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DIGEST_SCHEDULER_INTERVAL", "5s")
	t.Setenv("DIGEST_QUEUE_MAX_SIZE", "7")
	t.Setenv("DIGEST_STORE_DRIVER", "memory")
	t.Setenv("DIGEST_DISCOVERY_BASE_URL", "http://search.internal:9000")

	path := writeConfig(t, t.TempDir(), "queue:\n  max_size: 100\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 7, cfg.Queue.MaxSize)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "http://search.internal:9000", cfg.Discovery.BaseURL)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("ENV", "production")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("ENV", "production")
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "scheduler: [unclosed"},
		{"zero queue size", "queue:\n  max_size: 0\n"},
		{"unknown driver", "store:\n  driver: mongo\n"},
		{"sqlite without path", "store:\n  driver: sqlite\n  path: \"\"\n"},
		{"redis without addr", "store:\n  driver: redis\n"},
		{"negative failures", "scheduler:\n  max_consecutive_failures: -1\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"bad base url", "discovery:\n  base_url: not a url\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, dir, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher_Reload(t *testing.T) {
	t.Setenv("ENV", "production")
	dir := t.TempDir()
	path := writeConfig(t, dir, "queue:\n  max_size: 10\n")

	var (
		mu   sync.Mutex
		seen []*Config
	)
	w := NewWatcher(path, zerolog.Nop(), func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, cfg)
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	// invalid edits are ignored
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_size: -1\n"), 0o644))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_size: 64\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].Queue.MaxSize == 64
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, cfg := range seen {
		assert.Equal(t, 64, cfg.Queue.MaxSize)
	}
}
