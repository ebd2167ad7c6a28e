package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/producer/bundle"
)

// minWatchInterval bounds periodic rebuilds.
const minWatchInterval = time.Second

// Validate checks the configuration after defaults are applied. The first
// problem found is returned as a validation error naming the field.
func (c *Config) Validate() error {
	checks := []func() error{
		c.validatePaths,
		c.validateBuild,
		c.validateBundle,
		c.validateLog,
		c.validateWatch,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return ferrors.ValidationError(fmt.Sprintf(format, args...)).
		WithContext("field", field).
		Build()
}

func (c *Config) validatePaths() error {
	if c.Sources.Dir == "" {
		return invalid("sources.dir", "sources.dir is required")
	}
	if c.Build.Dir == "" {
		return invalid("build.dir", "build.dir is required")
	}
	if c.Build.Output == "" {
		return invalid("build.output", "build.output is required")
	}
	if c.Build.Output == c.Build.Dir {
		return invalid("build.output", "build.output must not be the build directory")
	}
	if within(c.Build.Dir, c.Sources.Dir) {
		return invalid("build.dir", "build.dir must be outside sources.dir, prepared glyphs would be read back as sources")
	}
	if within(c.Sources.Dir, c.Build.Dir) {
		return invalid("sources.dir", "sources.dir must be outside build.dir, resets empty it")
	}
	if within(c.Build.Output, c.Sources.Dir) {
		return invalid("build.output", "build.output must be outside sources.dir")
	}
	if within(c.History.Path, c.Build.Dir) {
		return invalid("history.path", "history.path must be outside build.dir, resets empty it")
	}
	return nil
}

// within reports whether path is dir or lies inside it.
func within(path, dir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (c *Config) validateBuild() error {
	if c.Build.Workers < 0 {
		return invalid("build.workers", "build.workers must not be negative, got %d", c.Build.Workers)
	}
	return nil
}

func (c *Config) validateBundle() error {
	if _, err := bundle.ParseCompression(string(c.Bundle.Compression)); err != nil {
		return invalid("bundle.compression", "bundle.compression: %v", err)
	}
	if c.Bundle.Level < 0 || c.Bundle.Level > bundle.MaxLevel {
		return invalid("bundle.level", "bundle.level must be between 0 and %d, got %d", bundle.MaxLevel, c.Bundle.Level)
	}
	if err := c.Bundle.Tones.Validate(); err != nil {
		return invalid("bundle.tones", "bundle.%v", err)
	}
	return nil
}

func (c *Config) validateLog() error {
	if !logLevelNormalizer.Known(string(c.Log.Level)) {
		return invalid("log.level", "unknown log level %q, valid options: %v", c.Log.Level, logLevelNormalizer.ValidKeys())
	}
	if !logFormatNormalizer.Known(string(c.Log.Format)) {
		return invalid("log.format", "unknown log format %q, valid options: %v", c.Log.Format, logFormatNormalizer.ValidKeys())
	}
	return nil
}

func (c *Config) validateWatch() error {
	if c.Watch.Debounce < 0 {
		return invalid("watch.debounce", "watch.debounce must not be negative")
	}
	if c.Watch.Interval != 0 && c.Watch.Interval < minWatchInterval {
		return invalid("watch.interval", "watch.interval must be at least %s, got %s", minWatchInterval, c.Watch.Interval)
	}
	return nil
}

// normalize rewrites enumerations into their canonical spelling.
func (c *Config) normalize() {
	if compression, err := bundle.ParseCompression(string(c.Bundle.Compression)); err == nil {
		c.Bundle.Compression = compression
	}
	c.Log.Level = NormalizeLogLevel(string(c.Log.Level))
	c.Log.Format = NormalizeLogFormat(string(c.Log.Format))
}
