package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortex-voicecore/internal/cache"
	"github.com/normanking/cortex-voicecore/internal/capability"
	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/intent"
	"github.com/normanking/cortex-voicecore/internal/transcript"
)

// Config holds all configuration for the voice core.
// It is loaded from ~/.cortex/voice.yaml and can be overridden by environment variables.
type Config struct {
	Transcript   TranscriptConfig   `mapstructure:"transcript" yaml:"transcript"`
	Classifier   ClassifierConfig   `mapstructure:"classifier" yaml:"classifier"`
	Race         RaceConfig         `mapstructure:"race" yaml:"race"`
	Context      ContextConfig      `mapstructure:"context" yaml:"context"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities" yaml:"capabilities"`
	State        StateConfig        `mapstructure:"state" yaml:"state"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
}

// TranscriptConfig configures speech-to-text cleanup.
type TranscriptConfig struct {
	// Clean strips fillers, stutters and a leading wake word
	Clean bool `mapstructure:"clean" yaml:"clean"`
	// WakeWords replaces the default wake word list when non-empty
	WakeWords []string `mapstructure:"wake_words" yaml:"wake_words,omitempty"`
}

// Cleaner builds the transcript cleaner, or nil when cleanup is off.
func (c TranscriptConfig) Cleaner() *transcript.Cleaner {
	if !c.Clean {
		return nil
	}
	if len(c.WakeWords) > 0 {
		return transcript.New(transcript.WithWakeWords(c.WakeWords...))
	}
	return transcript.New()
}

// ClassifierConfig configures intent classification.
type ClassifierConfig struct {
	// ConfidenceThreshold stops the strategy ladder once reached (0.0-1.0)
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	// RemoteEnabled allows the remote classifier when one is supplied
	RemoteEnabled bool `mapstructure:"remote_enabled" yaml:"remote_enabled"`
	// RemoteTimeout bounds a synchronous remote call
	RemoteTimeout time.Duration `mapstructure:"remote_timeout" yaml:"remote_timeout"`
	// FailureThreshold is the consecutive remote failures that open the breaker
	FailureThreshold uint32 `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	// RatePerSecond caps remote calls; 0 disables the limiter
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// GuardConfig converts the breaker and limiter settings.
func (c ClassifierConfig) GuardConfig() intent.GuardConfig {
	g := intent.DefaultGuardConfig()
	if c.FailureThreshold > 0 {
		g.FailureThreshold = c.FailureThreshold
	}
	if c.OpenTimeout > 0 {
		g.OpenTimeout = c.OpenTimeout
	}
	g.RatePerSecond = c.RatePerSecond
	if c.Burst > 0 {
		g.Burst = c.Burst
	}
	return g
}

// RaceConfig configures the local/remote classification race.
type RaceConfig struct {
	// Deadline is how long a request waits for the remote classifier
	Deadline time.Duration `mapstructure:"deadline" yaml:"deadline"`
	// Workers bounds concurrent in-flight remote calls
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// ContextConfig configures per-session conversation memory.
type ContextConfig struct {
	MaxHistory       int           `mapstructure:"max_history" yaml:"max_history"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LearnPreferences bool          `mapstructure:"learn_preferences" yaml:"learn_preferences"`
}

// ManagerConfig converts to the conversation manager's configuration.
func (c ContextConfig) ManagerConfig() conversation.Config {
	return conversation.Config{
		MaxHistory:       c.MaxHistory,
		Timeout:          c.Timeout,
		LearnPreferences: c.LearnPreferences,
	}
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// NeverCache lists intent tags whose replies are never cached
	NeverCache []string `mapstructure:"never_cache" yaml:"never_cache"`
	// Persist mirrors the cache to SQLite under storage.data_dir
	Persist bool `mapstructure:"persist" yaml:"persist"`
}

// ResponseCacheConfig converts to the response cache's configuration.
func (c CacheConfig) ResponseCacheConfig() cache.Config {
	return cache.Config{
		MaxEntries: c.MaxEntries,
		TTL:        c.TTL,
		NeverCache: append([]string(nil), c.NeverCache...),
	}
}

// CapabilitiesConfig configures the capability registry.
type CapabilitiesConfig struct {
	// Enabled overrides the enabled flag per capability name
	Enabled map[string]bool `mapstructure:"enabled" yaml:"enabled"`
	// Shared settings are passed to every configurable capability
	Shared map[string]any `mapstructure:"shared" yaml:"shared,omitempty"`
	// Settings holds per-capability settings layered over Shared
	Settings       map[string]map[string]any `mapstructure:"settings" yaml:"settings,omitempty"`
	RouteCacheSize int                       `mapstructure:"route_cache_size" yaml:"route_cache_size"`
}

// RegistryConfig converts to the capability registry's configuration.
func (c CapabilitiesConfig) RegistryConfig() capability.Config {
	return capability.Config{
		Toggles:        c.Enabled,
		Shared:         c.Shared,
		Settings:       c.Settings,
		RouteCacheSize: c.RouteCacheSize,
	}
}

// StateConfig configures the pipeline state tracker.
type StateConfig struct {
	// HistorySize is the number of transitions kept for diagnostics
	HistorySize int `mapstructure:"history_size" yaml:"history_size"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file; empty logs to the console only
	File string `mapstructure:"file" yaml:"file"`
	// Console enables the human-readable console writer
	Console bool `mapstructure:"console" yaml:"console"`
}

// StorageConfig configures on-disk state.
type StorageConfig struct {
	// DataDir holds the SQLite database and logs
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Transcript: TranscriptConfig{
			Clean: true,
		},
		Classifier: ClassifierConfig{
			ConfidenceThreshold: intent.DefaultConfidenceThreshold,
			RemoteEnabled:       false,
			RemoteTimeout:       intent.DefaultRemoteTimeout,
			FailureThreshold:    3,
			OpenTimeout:         30 * time.Second,
			RatePerSecond:       5,
			Burst:               5,
		},
		Race: RaceConfig{
			Deadline: intent.DefaultRaceDeadline,
			Workers:  intent.DefaultRaceWorkers,
		},
		Context: ContextConfig{
			MaxHistory:       conversation.DefaultMaxHistory,
			Timeout:          conversation.DefaultTimeout,
			LearnPreferences: true,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: cache.DefaultMaxEntries,
			TTL:        cache.DefaultTTL,
			NeverCache: cache.DefaultNeverCache(),
			Persist:    true,
		},
		Capabilities: CapabilitiesConfig{
			Enabled:        map[string]bool{},
			RouteCacheSize: capability.DefaultRouteCacheSize,
		},
		State: StateConfig{
			HistorySize: 100,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "~/.cortex/logs/voice.log",
			Console: true,
		},
		Storage: StorageConfig{
			DataDir: "~/.cortex",
		},
	}
}

// DefaultPath returns ~/.cortex/voice.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cortex", "voice.yaml"), nil
}

// Load reads configuration from the default location.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	return read(path)
}

// read loads an existing file without creating it.
func read(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: CORTEX_CLASSIFIER_REMOTE_ENABLED=true
	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so sections missing from the file keep them.
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	if cfg.Capabilities.Enabled == nil {
		cfg.Capabilities.Enabled = map[string]bool{}
	}

	return cfg, nil
}

// Save writes the configuration to the default location.
func (c *Config) Save() error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}
	return c.SaveToPath(path)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{expandPath(c.Storage.DataDir)}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(expandPath(c.Logging.File)))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Classifier.ConfidenceThreshold <= 0 || c.Classifier.ConfidenceThreshold > 1 {
		return fmt.Errorf("classifier.confidence_threshold must be in (0, 1], got %v", c.Classifier.ConfidenceThreshold)
	}
	if c.Classifier.RemoteTimeout < 0 {
		return fmt.Errorf("classifier.remote_timeout cannot be negative")
	}
	if c.Classifier.RatePerSecond < 0 {
		return fmt.Errorf("classifier.rate_per_second cannot be negative")
	}

	if c.Race.Deadline <= 0 {
		return fmt.Errorf("race.deadline must be positive")
	}
	if c.Race.Workers < 1 {
		return fmt.Errorf("race.workers must be at least 1")
	}

	if c.Context.MaxHistory < 1 {
		return fmt.Errorf("context.max_history must be at least 1")
	}
	if c.Context.Timeout <= 0 {
		return fmt.Errorf("context.timeout must be positive")
	}

	if c.Cache.Enabled {
		if c.Cache.MaxEntries < 1 {
			return fmt.Errorf("cache.max_entries must be at least 1")
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive")
		}
	}
	if c.Cache.Persist && c.Storage.DataDir == "" {
		return fmt.Errorf("cache.persist requires storage.data_dir")
	}

	if c.Capabilities.RouteCacheSize < 0 {
		return fmt.Errorf("capabilities.route_cache_size cannot be negative")
	}
	if c.State.HistorySize < 0 {
		return fmt.Errorf("state.history_size cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
