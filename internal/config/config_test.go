package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-voicecore/internal/cache"
	"github.com/normanking/cortex-voicecore/internal/intent"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, intent.DefaultConfidenceThreshold, cfg.Classifier.ConfidenceThreshold)
	assert.False(t, cfg.Classifier.RemoteEnabled)
	assert.Equal(t, 300*time.Millisecond, cfg.Race.Deadline)
	assert.Equal(t, 10, cfg.Context.MaxHistory)
	assert.Equal(t, 5*time.Minute, cfg.Context.Timeout)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Contains(t, cfg.Cache.NeverCache, "system.time")
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".cortex", "voice.yaml")

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	_, err = os.Stat(configPath)
	require.NoError(t, err, "default config file is created")
	assert.Equal(t, Default().Race, cfg.Race)

	again, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Cache, again.Cache)
}

func TestSaveToPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "voice.yaml")

	cfg := Default()
	cfg.Race.Deadline = 450 * time.Millisecond
	cfg.Cache.NeverCache = []string{"weather.current"}
	cfg.Capabilities.Enabled["weather"] = false
	cfg.Capabilities.Settings = map[string]map[string]any{"weather": {"units": "imperial"}}
	require.NoError(t, cfg.SaveToPath(configPath))

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "deadline: 450ms")

	loaded, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, 450*time.Millisecond, loaded.Race.Deadline)
	assert.Equal(t, []string{"weather.current"}, loaded.Cache.NeverCache)
	assert.Equal(t, map[string]bool{"weather": false}, loaded.Capabilities.Enabled)
	assert.Equal(t, "imperial", loaded.Capabilities.Settings["weather"]["units"])
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "voice.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("race:\n  deadline: 1s\n"), 0644))

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Race.Deadline)
	assert.Equal(t, intent.DefaultRaceWorkers, cfg.Race.Workers)
	assert.Equal(t, cache.DefaultMaxEntries, cfg.Cache.MaxEntries)
	assert.NotNil(t, cfg.Capabilities.Enabled)
}

func TestEnvironmentVariableOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "voice.yaml")
	require.NoError(t, Default().SaveToPath(configPath))

	t.Setenv("CORTEX_LOGGING_LEVEL", "debug")
	t.Setenv("CORTEX_CLASSIFIER_REMOTE_ENABLED", "true")

	loaded, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Logging.Level)
	assert.True(t, loaded.Classifier.RemoteEnabled)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Logging.File = filepath.Join(dir, "logs", "voice.log")

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, filepath.Join(dir, "logs"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default is valid", func(*Config) {}, ""},
		{"zero threshold", func(c *Config) { c.Classifier.ConfidenceThreshold = 0 }, "confidence_threshold"},
		{"threshold above one", func(c *Config) { c.Classifier.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"negative rate", func(c *Config) { c.Classifier.RatePerSecond = -1 }, "rate_per_second"},
		{"zero deadline", func(c *Config) { c.Race.Deadline = 0 }, "race.deadline"},
		{"no workers", func(c *Config) { c.Race.Workers = 0 }, "race.workers"},
		{"no history", func(c *Config) { c.Context.MaxHistory = 0 }, "max_history"},
		{"zero context timeout", func(c *Config) { c.Context.Timeout = 0 }, "context.timeout"},
		{"empty cache", func(c *Config) { c.Cache.MaxEntries = 0 }, "max_entries"},
		{"disabled cache ignores size", func(c *Config) { c.Cache.Enabled = false; c.Cache.MaxEntries = 0 }, ""},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"persist without dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Classifier.FailureThreshold = 7
	cfg.Classifier.RatePerSecond = 0
	cfg.Capabilities.Enabled["search"] = false

	g := cfg.Classifier.GuardConfig()
	assert.Equal(t, uint32(7), g.FailureThreshold)
	assert.Zero(t, g.RatePerSecond)
	assert.Equal(t, intent.DefaultGuardConfig().MaxRequests, g.MaxRequests)

	rc := cfg.Capabilities.RegistryConfig()
	assert.Equal(t, map[string]bool{"search": false}, rc.Toggles)

	cc := cfg.Cache.ResponseCacheConfig()
	cc.NeverCache[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Cache.NeverCache[0])

	mc := cfg.Context.ManagerConfig()
	assert.Equal(t, cfg.Context.MaxHistory, mc.MaxHistory)
	assert.True(t, mc.LearnPreferences)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data"), expandPath("~/data"))
	assert.Equal(t, "/abs/path", expandPath("/abs/path"))
	assert.Equal(t, "relative", expandPath("relative"))
}

func TestWatch(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "voice.yaml")
	require.NoError(t, Default().SaveToPath(configPath))

	reloads := make(chan *Config, 8)
	w, err := Watch(configPath, func(c *Config) { reloads <- c })
	require.NoError(t, err)
	defer w.Close()

	// An invalid file is ignored.
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: loud\n"), 0644))

	cfg := Default()
	cfg.Capabilities.Enabled["weather"] = false
	require.NoError(t, cfg.SaveToPath(configPath))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-reloads:
			require.NotEqual(t, "loud", got.Logging.Level)
			if enabled, ok := got.Capabilities.Enabled["weather"]; ok && !enabled {
				require.NoError(t, w.Close())
				require.NoError(t, w.Close(), "close is idempotent")
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for config reload")
		}
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "missing", "voice.yaml"), func(*Config) {})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to watch"))
}

func TestTranscriptCleaner(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg.Transcript.Cleaner())
	assert.Equal(t, "what time is it", cfg.Transcript.Cleaner().Clean("hey cortex what time is it"))

	cfg.Transcript.WakeWords = []string{"jarvis"}
	assert.Equal(t, "hey cortex what time is it", cfg.Transcript.Cleaner().Clean("hey cortex what time is it"))
	assert.Equal(t, "what time is it", cfg.Transcript.Cleaner().Clean("jarvis what time is it"))

	cfg.Transcript.Clean = false
	assert.Nil(t, cfg.Transcript.Cleaner())
}
