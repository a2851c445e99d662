// Package config provides configuration management for the Cortex voice core.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.cortex/voice.yaml and is automatically
// created with defaults on first use. The file structure mirrors the Go
// structs defined in this package.
//
// # Environment Variables
//
// Values present in the file can be overridden using environment variables
// with the CORTEX_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - CORTEX_CLASSIFIER_REMOTE_ENABLED=true
//   - CORTEX_RACE_DEADLINE=500ms
//   - CORTEX_CACHE_PERSIST=false
//   - CORTEX_LOGGING_LEVEL=debug
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
//	classifier := intent.NewClassifier(
//	    intent.WithThreshold(cfg.Classifier.ConfidenceThreshold),
//	)
//	registry := capability.NewRegistry(cfg.Capabilities.RegistryConfig())
//
// # Configuration Sections
//
//   - Classifier: confidence threshold, remote classifier breaker and rate limit
//   - Race: remote deadline and worker pool size
//   - Context: session history bound, expiry, preference learning
//   - Cache: response cache size, TTL, never-cache intents, persistence
//   - Capabilities: per-capability enable overrides and settings
//   - State: transition history size
//   - Logging: level, console output, log file
//   - Storage: data directory for the SQLite database
//
// Capability names are matched case-insensitively in the enabled map,
// because Viper lowercases keys.
//
// # Hot Reload
//
// Watch observes the file with fsnotify and hands each valid reload to a
// callback; the CLI uses it to apply capability toggles at runtime.
//
// # Thread Safety
//
// Config instances are not thread-safe. Treat a loaded Config as immutable
// and swap it wholesale on reload.
package config
