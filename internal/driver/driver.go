// Package driver orchestrates incremental builds. It decides which items are
// unchanged since the last successful build, prepares the rest on a bounded
// worker pool through a producer, assembles the output once, and only then
// records the new source digests in the hash cache.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/hashcache"
	"git.home.luguber.info/inful/emojibuilder/internal/item"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
	"git.home.luguber.info/inful/emojibuilder/internal/metrics"
	"git.home.luguber.info/inful/emojibuilder/internal/producer"
)

var (
	// ErrNoItems is returned by Run when there is nothing to build.
	ErrNoItems = ferrors.ValidationError("no items to build").Build()
	// ErrCanceled is returned by Run when the context ends before assembly.
	ErrCanceled = ferrors.CanceledError("build canceled").Build()
)

// Options configures a Driver.
type Options struct {
	BuildDir   string
	OutputPath string
	// CachePath is where the hash cache is persisted after a successful
	// build. Empty keeps the cache in memory only.
	CachePath string
	// Workers bounds both the staleness check and preparation. Zero means
	// runtime.NumCPU().
	Workers  int
	Recorder metrics.Recorder
	Logger   *slog.Logger
}

// Driver runs builds for one producer against one hash cache. Runs and resets
// are serialized.
type Driver[T any] struct {
	producer producer.Producer[T]
	cache    *hashcache.Cache
	opts     Options
	logger   *slog.Logger
	recorder metrics.Recorder

	mu    sync.Mutex
	state State
	// prepared holds the last outcome of every item handed to Prepare since
	// the producer was created or reset.
	prepared map[item.Key]producer.Outcome[T]
}

// New creates a driver. A nil cache starts from an empty one.
func New[T any](p producer.Producer[T], cache *hashcache.Cache, opts Options) (*Driver[T], error) {
	if p == nil {
		return nil, ferrors.InternalError("driver requires a producer").Build()
	}
	if opts.OutputPath == "" {
		return nil, ferrors.ConfigError("driver requires an output path").Build()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cache == nil {
		cache = hashcache.New().WithLogger(opts.Logger)
	}
	opts.Recorder.SetWorkers(opts.Workers)

	return &Driver[T]{
		producer: p,
		cache:    cache,
		opts:     opts,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		state:    StateInitialized,
		prepared: make(map[item.Key]producer.Outcome[T]),
	}, nil
}

// State returns the state the driver last entered.
func (d *Driver[T]) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Cache returns the driver's hash cache.
func (d *Driver[T]) Cache() *hashcache.Cache {
	return d.cache
}

func (d *Driver[T]) enter(logger *slog.Logger, report *Report[T], s State) {
	d.state = s
	if report != nil {
		report.State = s
	}
	logger.Debug("Driver state", logfields.State(s.String()))
}

// checked is the staleness verdict for one item.
type checked struct {
	it        item.Item
	digest    hashcache.Digest
	hasDigest bool
	fresh     bool
}

// preparation is the result of one Prepare call.
type preparation[T any] struct {
	outcome producer.Outcome[T]
	derived []producer.Derivative[T]
}

// Run builds items. Duplicate items are merged. Items whose source is
// unchanged and whose artifact the producer can reuse are not prepared again;
// every other item is prepared on the worker pool and a failure of one item
// never affects another. The producer then assembles the output from every
// outcome, failures included, and only after that succeeds are the digests of
// successfully prepared items committed to the cache.
//
// When ctx ends before assembly, Run waits for preparations already started,
// hands the partial outcomes to the producer's Finish and returns ErrCanceled.
// The returned report is never nil.
func (d *Driver[T]) Run(ctx context.Context, items []item.Item) (*Report[T], error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := newReport[T]()
	logger := d.logger.With(logfields.RunID(report.RunID.String()))
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		report.tally()
		d.recorder.ObserveRunDuration(report.Duration)
		d.recorder.IncRunOutcome(runOutcome(report))
	}()
	d.enter(logger, report, StateInitialized)

	items = item.Dedupe(items)
	if len(items) == 0 {
		d.enter(logger, report, StateFailed)
		return report, ErrNoItems
	}
	logger.Info("Build started", logfields.Items(len(items)), logfields.Workers(d.opts.Workers))
	if planner, ok := d.producer.(producer.Planner); ok {
		planner.Plan(items)
	}

	digests, toPrepare := d.checkStaleness(ctx, logger, report, items)
	d.enter(logger, report, StateStalenessChecked)
	if ctx.Err() != nil {
		return report, d.cancel(logger, report, ctx.Err())
	}

	d.enter(logger, report, StatePreparing)
	d.prepare(ctx, logger, report, toPrepare)
	if ctx.Err() != nil {
		return report, d.cancel(logger, report, ctx.Err())
	}
	d.enter(logger, report, StateAggregated)

	if len(report.Outcomes) == 0 {
		d.enter(logger, report, StateFailed)
		return report, ferrors.InternalError("no outcomes to assemble").Build()
	}

	d.enter(logger, report, StateAssembling)
	start := time.Now()
	err := d.producer.Build(ctx, report.Outcomes.Clone(), d.opts.OutputPath)
	d.recorder.ObserveStageDuration("build", time.Since(start))
	if err != nil {
		d.enter(logger, report, StateFailed)
		logger.Error("Assembly failed", logfields.Output(d.opts.OutputPath), logfields.Error(err))
		return report, ferrors.WrapError(err, ferrors.CategoryBuild, "assemble output").
			NextRun().
			WithContext("output", d.opts.OutputPath).
			Build()
	}
	logger.Info("Output assembled", logfields.Output(d.opts.OutputPath), logfields.Since(start))

	d.enter(logger, report, StateCacheCommitting)
	d.commit(logger, report, digests)

	d.enter(logger, report, StateDone)
	report.tally()
	logger.Info("Build finished",
		logfields.Items(len(report.Outcomes)),
		logfields.Reused(len(report.Reused)),
		logfields.Prepared(len(report.Prepared)),
		logfields.Failed(len(report.Failed)),
		logfields.Since(report.StartedAt))
	return report, nil
}

// checkStaleness hashes every item on the worker pool and sorts them into
// reused outcomes, recorded in report, and items that must be prepared.
func (d *Driver[T]) checkStaleness(ctx context.Context, logger *slog.Logger, report *Report[T], items []item.Item) (map[item.Key]hashcache.Digest, []item.Item) {
	start := time.Now()
	results := runPool(ctx, d.opts.Workers, items, func(_ context.Context, _ int, it item.Item) checked {
		c := checked{it: it}
		digest, err := d.cache.Digest(it)
		if err != nil {
			logger.Debug("Cannot hash source, preparing",
				logfields.Sequence(string(it.Key())), logfields.Path(it.SourcePath), logfields.Error(err))
			return c
		}
		c.digest, c.hasDigest = digest, true
		c.fresh = d.cache.Compare(it, digest) == hashcache.Fresh
		return c
	})
	d.recorder.ObserveStageDuration("staleness", time.Since(start))

	digests := make(map[item.Key]hashcache.Digest, len(items))
	var toPrepare []item.Item
	for _, r := range results {
		if !r.done {
			continue
		}
		c := r.value
		if c.hasDigest {
			digests[c.it.Key()] = c.digest
		}
		if c.fresh {
			if reused, ok := d.producer.Reuse(c.it, c.digest); ok {
				o := producer.Succeeded(c.it, reused.Value)
				o.Reused = true
				report.Outcomes.Put(o)
				d.recorder.IncItemResult(metrics.ItemReused)
				d.foldDerived(logger, report, c.it, reused.Derived, true)
				continue
			}
			logger.Debug("Cached artifact missing, preparing", logfields.Sequence(string(c.it.Key())))
		}
		toPrepare = append(toPrepare, c.it)
	}
	logger.Debug("Staleness checked",
		logfields.Reused(len(report.Outcomes)),
		logfields.Prepared(len(toPrepare)),
		logfields.Since(start))
	return digests, toPrepare
}

// prepare undoes earlier preparations of items, then prepares them on the
// worker pool and folds the outcomes into report.
func (d *Driver[T]) prepare(ctx context.Context, logger *slog.Logger, report *Report[T], items []item.Item) {
	if len(items) == 0 {
		return
	}
	start := time.Now()

	dispatch := make([]item.Item, 0, len(items))
	for _, it := range items {
		prior, ok := d.prepared[it.Key()]
		if !ok {
			dispatch = append(dispatch, it)
			continue
		}
		undone, err := d.producer.Undo(it, prior)
		if err != nil {
			logger.Warn("Undo failed", logfields.Sequence(string(it.Key())), logfields.Error(err))
			report.Outcomes.Put(producer.Failed[T](it, fmt.Errorf("undo %s: %w", it.Key(), err)))
			d.recorder.IncItemResult(metrics.ItemFailed)
			continue
		}
		delete(d.prepared, it.Key())
		// Kept until preparation replaces it, so a canceled run reports the
		// reversal to Finish.
		report.Outcomes.Put(producer.Invalidate(undone))
		dispatch = append(dispatch, it)
	}

	results := runPool(ctx, d.opts.Workers, dispatch, func(ctx context.Context, worker int, it item.Item) preparation[T] {
		prepared, err := d.producer.Prepare(ctx, it)
		if err != nil {
			logger.Warn("Preparation failed",
				logfields.Sequence(string(it.Key())), logfields.Worker(workerName(worker)), logfields.Error(err))
			return preparation[T]{outcome: producer.Failed[T](it, err)}
		}
		logger.Debug("Prepared", logfields.Sequence(string(it.Key())), logfields.Worker(workerName(worker)))
		return preparation[T]{outcome: producer.Succeeded(it, prepared.Value), derived: prepared.Derived}
	})

	for _, r := range results {
		if !r.done {
			continue
		}
		o := r.value.outcome
		report.Outcomes.Put(o)
		d.prepared[o.Item.Key()] = o
		if !o.OK() {
			d.recorder.IncItemResult(metrics.ItemFailed)
			continue
		}
		d.recorder.IncItemResult(metrics.ItemPrepared)
		d.foldDerived(logger, report, o.Item, r.value.derived, false)
	}
	d.recorder.ObserveStageDuration("prepare", time.Since(start))
	logger.Debug("Preparation finished", logfields.Items(len(dispatch)), logfields.Since(start))
}

// foldDerived adds derived items to report. A derived item overwrites any
// outcome already stored under its key.
func (d *Driver[T]) foldDerived(logger *slog.Logger, report *Report[T], from item.Item, derived []producer.Derivative[T], reused bool) {
	for _, dv := range derived {
		o := producer.Succeeded(dv.Item, dv.Value)
		o.Derived = true
		o.Reused = reused
		if report.Outcomes.Put(o) {
			logger.Warn("Derived item replaces an existing outcome",
				logfields.Sequence(string(dv.Item.Key())), slog.String("derived_from", string(from.Key())))
		}
		d.recorder.IncItemResult(metrics.ItemDerived)
	}
}

// commit records the digests of cacheable outcomes and persists the cache.
// Every other item loses its entry so the next run prepares it again.
func (d *Driver[T]) commit(logger *slog.Logger, report *Report[T], digests map[item.Key]hashcache.Digest) {
	start := time.Now()
	for key, o := range report.Outcomes {
		if o.Invalidated {
			d.recorder.IncItemResult(metrics.ItemInvalidated)
		}
		if digest, ok := digests[key]; ok && o.Cacheable() {
			d.cache.Update(o.Item, digest)
			continue
		}
		d.cache.Remove(o.Item)
	}

	if d.opts.CachePath != "" {
		if err := d.cache.PersistFile(d.opts.CachePath); err != nil {
			report.PersistErr = ferrors.WrapError(err, ferrors.CategoryCache, "persist hash cache").
				WithContext("path", d.opts.CachePath).
				Build()
			d.recorder.IncCachePersistFailure()
			logger.Warn("Failed to persist hash cache", logfields.Path(d.opts.CachePath), logfields.Error(err))
		}
	}
	d.recorder.ObserveStageDuration("commit", time.Since(start))
}

// cancel hands the partial outcomes to the producer's Finish and returns the
// error Run reports.
func (d *Driver[T]) cancel(logger *slog.Logger, report *Report[T], cause error) error {
	d.enter(logger, report, StateCanceled)
	logger.Warn("Build canceled before assembly", logfields.Items(len(report.Outcomes)))
	if err := d.producer.Finish(report.Outcomes.Clone()); err != nil {
		logger.Warn("Producer finish failed", logfields.Error(err))
		return errors.Join(fmt.Errorf("%w: %w", ErrCanceled, cause), err)
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// Reset clears the producer's build directory and the hash cache so the next
// run prepares every item. Entries that could not be deleted are logged one by
// one and reported as a reset error wrapping *producer.ResetError.
func (d *Driver[T]) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	logger := d.logger
	d.enter(logger, nil, StateResetting)
	defer d.enter(logger, nil, StateInitialized)

	err := d.producer.Reset(d.opts.BuildDir)
	// Whatever survived the reset can no longer be trusted.
	d.prepared = make(map[item.Key]producer.Outcome[T])
	d.cache.Clear()
	if d.opts.CachePath != "" {
		if perr := d.cache.PersistFile(d.opts.CachePath); perr != nil {
			logger.Warn("Failed to persist cleared hash cache", logfields.Path(d.opts.CachePath), logfields.Error(perr))
		}
	}

	if err == nil {
		logger.Info("Build directory reset", logfields.Path(d.opts.BuildDir))
		return nil
	}
	var resetErr *producer.ResetError
	if errors.As(err, &resetErr) {
		for _, f := range resetErr.Failures {
			logger.Error("Could not remove build entry", logfields.Path(f.Path), logfields.Error(f.Err))
		}
		return ferrors.WrapError(err, ferrors.CategoryReset, "reset build directory").
			UserAction().
			WithContext("failures", len(resetErr.Failures)).
			Build()
	}
	return ferrors.WrapError(err, ferrors.CategoryProducer, "reset producer").Build()
}

func runOutcome[T any](r *Report[T]) metrics.RunOutcome {
	switch {
	case r.State == StateCanceled:
		return metrics.RunCanceled
	case r.State != StateDone:
		return metrics.RunFailed
	case len(r.Failed) > 0:
		return metrics.RunPartial
	default:
		return metrics.RunSuccess
	}
}
