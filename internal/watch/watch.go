// Package watch reruns builds when sources change or on a fixed interval.
// Rebuilds never overlap; requests arriving while one runs collapse into a
// single follow-up run.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
)

// Trigger names the reason for a rebuild.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerChange   Trigger = "change"
	TriggerInterval Trigger = "interval"
)

// RebuildFunc runs one build. Errors are logged and do not stop watching.
type RebuildFunc func(ctx context.Context, trigger Trigger) error

// Options configures a Watcher.
type Options struct {
	// Dir is the source directory to watch.
	Dir string
	// Pattern filters file names; empty matches everything.
	Pattern string
	// Debounce is the quiet window after the last change before a rebuild.
	Debounce time.Duration
	// Interval schedules periodic rebuilds; zero disables them.
	Interval time.Duration
	Logger   *slog.Logger
}

// Watcher drives a RebuildFunc from file system events and a schedule.
type Watcher struct {
	opts    Options
	rebuild RebuildFunc
	logger  *slog.Logger
	pending chan Trigger
}

// New creates a watcher for opts.
func New(opts Options, rebuild RebuildFunc) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, ferrors.ValidationError("watch directory is required").Build()
	}
	if rebuild == nil {
		return nil, ferrors.ValidationError("rebuild function is required").Build()
	}
	if opts.Debounce < 0 || opts.Interval < 0 {
		return nil, ferrors.ValidationError("debounce and interval must not be negative").Build()
	}
	if opts.Pattern != "" {
		if _, err := filepath.Match(opts.Pattern, ""); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryValidation, "invalid watch pattern").
				WithContext("pattern", opts.Pattern).
				Build()
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		opts:    opts,
		rebuild: rebuild,
		logger:  logger,
		pending: make(chan Trigger, 1),
	}, nil
}

// Run performs a startup build and then watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		if cerr := fw.Close(); cerr != nil {
			w.logger.Error("Error closing file watcher", logfields.Error(cerr))
		}
	}()
	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("failed to watch source directory %s: %w", w.opts.Dir, err)
	}

	if w.opts.Interval > 0 {
		stop, err := w.schedule()
		if err != nil {
			return err
		}
		defer stop()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runLoop(ctx)
	}()

	w.logger.Info("Watching sources",
		logfields.Path(w.opts.Dir),
		slog.Duration("debounce", w.opts.Debounce),
		slog.Duration("interval", w.opts.Interval))
	w.request(TriggerStartup)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping watcher")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Source change detected", logfields.Path(event.Name), logfields.Event(event.Op.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.opts.Debounce, func() { w.request(TriggerChange) })
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Source watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) schedule() (func(), error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(w.opts.Interval),
		gocron.NewTask(func() { w.request(TriggerInterval) }),
		gocron.WithName("periodic-rebuild"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to create periodic rebuild job: %w", err)
	}
	s.Start()
	return func() {
		if err := s.Shutdown(); err != nil {
			w.logger.Warn("Scheduler shutdown failed", logfields.Error(err))
		}
	}, nil
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if w.opts.Pattern == "" {
		return true
	}
	ok, _ := filepath.Match(w.opts.Pattern, filepath.Base(event.Name))
	return ok
}

// request queues a rebuild unless one is already pending.
func (w *Watcher) request(trigger Trigger) {
	select {
	case w.pending <- trigger:
	default:
	}
}

func (w *Watcher) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trigger := <-w.pending:
			start := time.Now()
			if err := w.rebuild(ctx, trigger); err != nil {
				w.logger.Error("Rebuild failed", slog.String("trigger", string(trigger)), logfields.Error(err))
				continue
			}
			w.logger.Debug("Rebuild finished", slog.String("trigger", string(trigger)), logfields.Since(start))
		}
	}
}
