package commands

import (
	"context"
	"errors"
	"log/slog"

	"git.home.luguber.info/inful/emojibuilder/internal/config"
	"git.home.luguber.info/inful/emojibuilder/internal/driver"
	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/hashcache"
	"git.home.luguber.info/inful/emojibuilder/internal/history"
	"git.home.luguber.info/inful/emojibuilder/internal/item"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
	"git.home.luguber.info/inful/emojibuilder/internal/metrics"
	"git.home.luguber.info/inful/emojibuilder/internal/producer"
	"git.home.luguber.info/inful/emojibuilder/internal/producer/bundle"
)

// openProducer builds the configured producer. It is a variable so tests can
// swap the factory.
var openProducer producer.Factory[bundle.Glyph, bundle.Config] = bundle.Open

// session wires one configuration to a driver and the optional run history.
// A session outlives single runs in watch mode.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	driver  *driver.Driver[bundle.Glyph]
	history history.Store
}

func openSession(cfg *config.Config, logger *slog.Logger, recorder metrics.Recorder) (*session, error) {
	p, err := openProducer(cfg.Build.Dir, bundleConfig(cfg, logger))
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryProducer, "open bundle producer").
			WithContext("build_dir", cfg.Build.Dir).
			Build()
	}
	cache := hashcache.LoadFileWithLogger(cfg.Build.CacheFile, logger)
	d, err := driver.New(p, cache, driver.Options{
		BuildDir:   cfg.Build.Dir,
		OutputPath: cfg.Build.Output,
		CachePath:  cfg.Build.CacheFile,
		Workers:    cfg.Build.Workers,
		Recorder:   recorder,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger, driver: d}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			// history is optional; builds go on without it
			logger.Warn("Run history unavailable", logfields.Path(cfg.History.Path), logfields.Error(err))
		} else {
			s.history = store
		}
	}
	return s, nil
}

func bundleConfig(cfg *config.Config, logger *slog.Logger) bundle.Config {
	return bundle.Config{
		Compression: cfg.Bundle.Compression,
		Level:       cfg.Bundle.Level,
		Fallback:    cfg.Bundle.Fallback,
		Tones:       cfg.Bundle.Tones,
		Logger:      logger,
	}
}

func (s *session) Close() error {
	if s.history == nil {
		return nil
	}
	return s.history.Close()
}

func (s *session) loadItems() ([]item.Item, error) {
	items, err := item.LoadDir(s.cfg.Sources.Dir, s.cfg.Sources.Pattern)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "load sources").
			WithContext("dir", s.cfg.Sources.Dir).
			Build()
	}
	return items, nil
}

// build runs the driver once and records the run.
func (s *session) build(ctx context.Context) (*driver.Report[bundle.Glyph], error) {
	items, err := s.loadItems()
	if err != nil {
		return nil, err
	}
	report, runErr := s.driver.Run(ctx, items)
	s.record(report, runErr)
	return report, runErr
}

func (s *session) record(report *driver.Report[bundle.Glyph], runErr error) {
	if s.history == nil || report == nil {
		return
	}
	run := historyRun(report, runErr)
	// the run context may already be canceled; recording must still happen
	if err := s.history.Record(context.Background(), run); err != nil {
		s.logger.Warn("Failed to record run", logfields.RunID(run.ID), logfields.Error(err))
	}
}

func historyRun(report *driver.Report[bundle.Glyph], runErr error) history.Run {
	run := history.Run{
		ID:        report.RunID.String(),
		StartedAt: report.StartedAt.UTC(),
		Duration:  report.Duration,
		State:     report.State.String(),
		Outcome:   outcomeOf(report),
		Items:     len(report.Outcomes),
		Reused:    len(report.Reused),
		Prepared:  len(report.Prepared),
		Failed:    len(report.Failed),
	}
	for _, key := range report.Failed {
		run.Failures = append(run.Failures, string(key))
	}
	switch {
	case runErr != nil:
		run.Error = runErr.Error()
	case report.PersistErr != nil:
		run.Error = report.PersistErr.Error()
	}
	return run
}

func outcomeOf(report *driver.Report[bundle.Glyph]) string {
	switch {
	case report.State == driver.StateCanceled:
		return string(metrics.RunCanceled)
	case !report.Succeeded():
		return string(metrics.RunFailed)
	case report.Partial():
		return string(metrics.RunPartial)
	default:
		return string(metrics.RunSuccess)
	}
}

// canceled reports whether err only says the run was interrupted.
func canceled(err error) bool {
	return errors.Is(err, driver.ErrCanceled) || errors.Is(err, context.Canceled)
}
