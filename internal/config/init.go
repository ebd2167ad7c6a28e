package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/emojibuilder/internal/producer/bundle"
)

// Init writes an example configuration to configPath. An existing file is
// only replaced when force is set.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Config{
		Version: CurrentVersion,
		Sources: SourcesConfig{Dir: "svg", Pattern: "*.svg"},
		Build: BuildConfig{
			Dir:       "build",
			CacheFile: "build/hashes.csv",
			Workers:   4,
			Output:    "dist/emoji.tar.zst",
		},
		Bundle: BundleConfig{
			Compression: bundle.CompressionZstd,
			Level:       3,
			Fallback:    "svg/fallback.svg",
			Tones: bundle.ToneConfig{
				Base: map[string]string{"skin": "#FFCC4D", "shade": "#EF9645"},
				Targets: []bundle.ToneTarget{
					{Modifier: "1f3fb", Name: "light skin tone", Colors: map[string]string{"skin": "#F7DECE", "shade": "#E0BBA6"}},
					{Modifier: "1f3fc", Name: "medium-light skin tone", Colors: map[string]string{"skin": "#F3D2A2", "shade": "#D2A77D"}},
					{Modifier: "1f3fd", Name: "medium skin tone", Colors: map[string]string{"skin": "#D5AB88", "shade": "#B78B60"}},
					{Modifier: "1f3fe", Name: "medium-dark skin tone", Colors: map[string]string{"skin": "#AF7E57", "shade": "#90603E"}},
					{Modifier: "1f3ff", Name: "dark skin tone", Colors: map[string]string{"skin": "#7C533E", "shade": "#583529"}},
				},
			},
		},
		Log:     LogConfig{Level: LogLevelInfo, Format: LogFormatText},
		History: HistoryConfig{Enabled: true, Path: DefaultHistoryPath},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9464"},
		Watch:   WatchConfig{Debounce: 500 * time.Millisecond},
	}

	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
