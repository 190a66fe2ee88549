// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// KoanfConfig layers camguard's configuration from a YAML file and
// environment variables, with env values taking precedence.
type KoanfConfig struct {
	k         *koanf.Koanf
	mu        sync.RWMutex
	filePath  string
	envPrefix string
}

// Option configures a KoanfConfig.
type Option func(*KoanfConfig) error

// WithYAMLFile sets the YAML configuration file path.
func WithYAMLFile(path string) Option {
	return func(kc *KoanfConfig) error {
		kc.filePath = path
		return nil
	}
}

// WithEnvPrefix sets the environment variable prefix (default: "CAMGUARD").
func WithEnvPrefix(prefix string) Option {
	return func(kc *KoanfConfig) error {
		kc.envPrefix = prefix
		return nil
	}
}

// NewKoanfConfig loads configuration from, in increasing precedence: built-in
// defaults, the YAML file (if any), and CAMGUARD_* environment variables.
func NewKoanfConfig(opts ...Option) (*KoanfConfig, error) {
	kc := &KoanfConfig{
		k:         koanf.New("."),
		envPrefix: "CAMGUARD",
	}
	for _, opt := range opts {
		if err := opt(kc); err != nil {
			return nil, fmt.Errorf("apply config option: %w", err)
		}
	}
	if err := kc.reload(); err != nil {
		return nil, err
	}
	return kc, nil
}

// Load unmarshals the layered configuration into a Config, merged over
// DefaultConfig so fields absent from both file and env keep their default.
func (kc *KoanfConfig) Load() (*Config, error) {
	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Reload re-reads all sources from scratch.
func (kc *KoanfConfig) Reload() error { return kc.reload() }

// topLevelSections are the nested config struct prefixes an env var key can
// name before its field, e.g. CAMGUARD_STREAMING_MAX_CONCURRENT_STREAMS.
var topLevelSections = []string{"streaming_", "recording_", "resource_", "cleanup_", "hwreboot_"}

// topLevelScalars are flat fields at the root of Config whose own names
// contain underscores; they must be passed through unsplit.
var topLevelScalars = map[string]struct{}{
	"base_path":                     {},
	"tmp_dir":                       {},
	"record_dir":                    {},
	"backup_dir":                    {},
	"log_dir":                       {},
	"encoder_bin":                   {},
	"allow_recording_when_disabled": {},
}

func (kc *KoanfConfig) reload() error {
	newK := koanf.New(".")

	if kc.filePath != "" {
		if err := newK.Load(file.Provider(kc.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("load YAML file: %w", err)
		}
	}

	// Strategy: transform CAMGUARD_STREAMING_MAX_CONCURRENT_STREAMS into
	// streaming.max_concurrent_streams by recognizing the known section
	// prefixes, and pass flat root scalars like base_path through as-is.
	// env.Provider's Prefix option selects the CAMGUARD_ variables;
	// TransformFunc strips that prefix itself before mapping the key.
	envProvider := env.Provider(".", env.Opt{
		Prefix: kc.envPrefix + "_",
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, kc.envPrefix+"_")
			k = strings.ToLower(k)

			if _, ok := topLevelScalars[k]; ok {
				return k, v
			}

			for _, prefix := range topLevelSections {
				if strings.HasPrefix(k, prefix) {
					rest := strings.TrimPrefix(k, prefix)
					section := strings.TrimSuffix(prefix, "_")
					return section + "." + rest, v
				}
			}

			return strings.ReplaceAll(k, "_", "."), v
		},
	})

	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("load environment variables: %w", err)
	}

	kc.mu.Lock()
	kc.k = newK
	kc.mu.Unlock()
	return nil
}

// Watch observes the configuration file for changes, reloading and invoking
// callback on each event. The underlying koanf file.Provider spawns an
// fsnotify goroutine with no Stop() method in koanf v2, so that goroutine
// outlives ctx cancellation; long-lived daemons that need clean shutdown
// should prefer a manual Reload() on SIGHUP instead of Watch().
func (kc *KoanfConfig) Watch(ctx context.Context, callback func(event string, err error)) error {
	if kc.filePath == "" {
		return fmt.Errorf("cannot watch: no file path specified")
	}

	fp := file.Provider(kc.filePath)
	watchErr := fp.Watch(func(event interface{}, err error) {
		if err != nil {
			callback("watch error", fmt.Errorf("file watch error: %w", err))
			return
		}
		if err := kc.reload(); err != nil {
			callback("reload error", fmt.Errorf("config reload failed: %w", err))
			return
		}
		callback("config reloaded", nil)
	})
	if watchErr != nil {
		return fmt.Errorf("start watching: %w", watchErr)
	}

	<-ctx.Done()
	return nil
}

// GetString retrieves a string value from configuration.
func (kc *KoanfConfig) GetString(key string) string {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.String(key)
}

// GetInt retrieves an integer value from configuration.
func (kc *KoanfConfig) GetInt(key string) int {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.Int(key)
}

// GetBool retrieves a boolean value from configuration.
func (kc *KoanfConfig) GetBool(key string) bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.Bool(key)
}

// GetDuration retrieves a duration value from configuration.
func (kc *KoanfConfig) GetDuration(key string) time.Duration {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.Duration(key)
}

// Exists checks if a configuration key exists.
func (kc *KoanfConfig) Exists(key string) bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.Exists(key)
}

// All returns the entire layered configuration as a map.
func (kc *KoanfConfig) All() map[string]interface{} {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.All()
}
