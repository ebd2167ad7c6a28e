// Package config loads the emojibuilder YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/producer/bundle"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "emojibuilder.yaml"

// CurrentVersion is the configuration format version.
const CurrentVersion = "1"

// DefaultHistoryPath is the run history database used when none is configured.
const DefaultHistoryPath = ".emojibuilder/history.db"

// Config represents the application configuration.
type Config struct {
	Version string        `yaml:"version"`
	Sources SourcesConfig `yaml:"sources"`
	Build   BuildConfig   `yaml:"build"`
	Bundle  BundleConfig  `yaml:"bundle"`
	Log     LogConfig     `yaml:"log"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
	Watch   WatchConfig   `yaml:"watch"`
}

// SourcesConfig locates the SVG sources.
type SourcesConfig struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern,omitempty"` // glob matched against file names
}

// BuildConfig controls the build directory and the output artifact.
type BuildConfig struct {
	Dir       string `yaml:"dir"`
	CacheFile string `yaml:"cache_file,omitempty"` // defaults to <dir>/hashes.csv
	Workers   int    `yaml:"workers,omitempty"`
	Output    string `yaml:"output,omitempty"`
}

// BundleConfig configures the archive producer.
type BundleConfig struct {
	Compression bundle.Compression `yaml:"compression,omitempty"`
	Level       int                `yaml:"level,omitempty"`
	Fallback    string             `yaml:"fallback,omitempty"`
	Tones       bundle.ToneConfig  `yaml:"tones,omitempty"`
}

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level  LogLevel  `yaml:"level,omitempty"`
	Format LogFormat `yaml:"format,omitempty"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"` // kept outside build.dir so resets keep it
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
}

// WatchConfig configures the watch command.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"` // zero disables periodic rebuilds
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.normalize()
	return cfg
}

// Load loads configuration from the specified file. A .env file next to it is
// loaded first so ${VAR} references can be expanded.
func Load(configPath string) (*Config, error) {
	loadEnvFile(filepath.Dir(configPath))

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ferrors.NewError(ferrors.CategoryNotFound, "configuration file not found").
				WithContext("path", configPath).
				UserAction().
				Build()
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "read config file").
			WithContext("path", configPath).
			Build()
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "load config").
			WithContext("path", configPath).
			Fatal().
			Build()
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration data. Environment
// variables are expanded before decoding; unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Version != "" && cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported configuration version: %s (expected %s)", cfg.Version, CurrentVersion)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = CurrentVersion
	}
	if cfg.Sources.Dir == "" {
		cfg.Sources.Dir = "svg"
	}
	if cfg.Sources.Pattern == "" {
		cfg.Sources.Pattern = "*.svg"
	}
	if cfg.Build.Dir == "" {
		cfg.Build.Dir = "build"
	}
	if cfg.Build.CacheFile == "" {
		cfg.Build.CacheFile = filepath.Join(cfg.Build.Dir, "hashes.csv")
	}
	if cfg.Build.Workers == 0 {
		cfg.Build.Workers = runtime.NumCPU()
	}
	if cfg.Bundle.Compression == "" {
		cfg.Bundle.Compression = bundle.CompressionZstd
	}
	if cfg.Build.Output == "" {
		// an unknown codec is reported by Validate
		compression, _ := bundle.ParseCompression(string(cfg.Bundle.Compression))
		cfg.Build.Output = filepath.Join("dist", "emoji"+compression.Extension())
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogLevelInfo
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = LogFormatText
	}
	if cfg.History.Path == "" {
		cfg.History.Path = DefaultHistoryPath
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9464"
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
}
