package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/hashcache"
	"git.home.luguber.info/inful/emojibuilder/internal/item"
	"git.home.luguber.info/inful/emojibuilder/internal/metrics"
	"git.home.luguber.info/inful/emojibuilder/internal/producer"
)

// fakeProducer records every call. Its artifacts are in-memory flags that
// Prepare sets and Undo and Reset clear.
type fakeProducer struct {
	mu        sync.Mutex
	fail      map[item.Key]error
	derive    map[item.Key][]item.Item
	artifacts map[item.Key]bool
	prepares  map[item.Key]int
	undos     []item.Key
	builds    []producer.OutcomeMap[string]
	finishes  []producer.OutcomeMap[string]
	resets    int
	buildErr  error
	resetErr  error
	onPrepare func(item.Item)
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{
		fail:      map[item.Key]error{},
		derive:    map[item.Key][]item.Item{},
		artifacts: map[item.Key]bool{},
		prepares:  map[item.Key]int{},
	}
}

func glyph(it item.Item) string { return "glyph:" + string(it.Key()) }

func (f *fakeProducer) Prepare(_ context.Context, it item.Item) (producer.Prepared[string], error) {
	f.mu.Lock()
	f.prepares[it.Key()]++
	hook := f.onPrepare
	err := f.fail[it.Key()]
	f.mu.Unlock()

	if hook != nil {
		hook(it)
	}
	if err != nil {
		return producer.Prepared[string]{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[it.Key()] = true
	prepared := producer.Prepared[string]{Value: glyph(it)}
	for _, d := range f.derive[it.Key()] {
		prepared.Derived = append(prepared.Derived, producer.Derivative[string]{Item: d, Value: glyph(d)})
	}
	return prepared, nil
}

func (f *fakeProducer) Reuse(it item.Item, _ hashcache.Digest) (producer.Prepared[string], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.artifacts[it.Key()] {
		return producer.Prepared[string]{}, false
	}
	return producer.Prepared[string]{Value: glyph(it)}, true
}

func (f *fakeProducer) Build(_ context.Context, outcomes producer.OutcomeMap[string], _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, outcomes)
	return f.buildErr
}

func (f *fakeProducer) Undo(it item.Item, outcome producer.Outcome[string]) (producer.Outcome[string], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undos = append(f.undos, it.Key())
	delete(f.artifacts, it.Key())
	return producer.Invalidate(outcome), nil
}

func (f *fakeProducer) Reset(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.artifacts = map[item.Key]bool{}
	return f.resetErr
}

func (f *fakeProducer) Finish(outcomes producer.OutcomeMap[string]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes = append(f.finishes, outcomes)
	return nil
}

func (f *fakeProducer) prepareCount(key item.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepares[key]
}

type fixture struct {
	dir       string
	cachePath string
	producer  *fakeProducer
	driver    *Driver[string]
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:       dir,
		cachePath: filepath.Join(dir, "build", hashcache.DefaultFileName),
		producer:  newFakeProducer(),
	}
	d, err := New[string](f.producer, hashcache.New(), Options{
		BuildDir:   filepath.Join(dir, "build"),
		OutputPath: filepath.Join(dir, "out.tar.zst"),
		CachePath:  f.cachePath,
		Workers:    workers,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	f.driver = d
	return f
}

func (f *fixture) source(t *testing.T, seq item.Sequence, content string) item.Item {
	t.Helper()
	path := filepath.Join(f.dir, string(seq.Key())+".svg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return item.New(seq, path)
}

func (f *fixture) sources(t *testing.T, seqs ...item.Sequence) []item.Item {
	t.Helper()
	items := make([]item.Item, len(seqs))
	for i, seq := range seqs {
		items[i] = f.source(t, seq, "<svg id=\""+string(seq.Key())+"\"/>")
	}
	return items
}

func TestRunReusesFreshItems(t *testing.T) {
	f := newFixture(t, 4)
	items := f.sources(t, item.Sequence{0x1F600}, item.Sequence{0x1F601}, item.Sequence{0x1F469, 0x200D, 0x1F52C})

	first, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, StateDone, first.State)
	assert.Len(t, first.Prepared, 3)
	assert.Empty(t, first.Reused)

	second, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, second.Reused, 3)
	assert.Empty(t, second.Prepared)
	for _, it := range items {
		assert.Equal(t, 1, f.producer.prepareCount(it.Key()), "fresh item %s prepared again", it.Key())
		assert.True(t, second.Outcomes[it.Key()].Reused)
	}
	require.Len(t, f.producer.builds, 2)
	assert.Len(t, f.producer.builds[1], 3)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunPreparesOnlyChangedItem(t *testing.T) {
	f := newFixture(t, 2)
	grinning := f.source(t, item.Sequence{0x1F600}, "<svg>grinning</svg>")
	beaming := f.source(t, item.Sequence{0x1F601}, "<svg>beaming</svg>")

	// The first item is already cached and its artifact exists.
	digest, err := hashcache.DigestItem(grinning)
	require.NoError(t, err)
	f.driver.Cache().Update(grinning, digest)
	f.producer.artifacts[grinning.Key()] = true

	report, err := f.driver.Run(context.Background(), []item.Item{grinning, beaming})
	require.NoError(t, err)

	assert.Equal(t, 0, f.producer.prepareCount(grinning.Key()))
	assert.Equal(t, 1, f.producer.prepareCount(beaming.Key()))
	assert.Equal(t, []item.Key{"1f600"}, report.Reused)
	assert.Equal(t, []item.Key{"1f601"}, report.Prepared)

	require.Len(t, f.producer.builds, 1)
	built := f.producer.builds[0]
	require.Len(t, built, 2)
	assert.True(t, built["1f600"].Reused)
	assert.Equal(t, "glyph:1f601", built["1f601"].Value)

	persisted := hashcache.LoadFile(f.cachePath)
	assert.Equal(t, 2, persisted.Len())
	for _, it := range []item.Item{grinning, beaming} {
		want, err := hashcache.DigestItem(it)
		require.NoError(t, err)
		got, ok := persisted.Lookup(it)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	f := newFixture(t, 3)
	items := f.sources(t, item.Sequence{0x1F600}, item.Sequence{0x1F601}, item.Sequence{0x1F602}, item.Sequence{0x1F603})
	broken := items[2]
	f.producer.fail[broken.Key()] = errors.New("malformed svg")

	report, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)
	assert.True(t, report.Partial())

	require.Len(t, f.producer.builds, 1, "assembly runs despite a failed item")
	built := f.producer.builds[0]
	assert.Len(t, built, 4)
	assert.Len(t, built.Succeeded(), 3)
	assert.EqualError(t, built[broken.Key()].Err, "malformed svg")
	assert.Equal(t, []item.Key{broken.Key()}, report.Failed)

	_, cached := f.driver.Cache().Lookup(broken)
	assert.False(t, cached, "failed items are never cached")
	assert.Equal(t, 3, f.driver.Cache().Len())

	// Once fixed, only the failed item is prepared again.
	delete(f.producer.fail, broken.Key())
	report, err = f.driver.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, []item.Key{broken.Key()}, report.Prepared)
	assert.Len(t, report.Reused, 3)
	assert.Equal(t, []item.Key{broken.Key()}, f.producer.undos)
}

func TestRunBuildFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t, 2)
	items := f.sources(t, item.Sequence{0x1F600}, item.Sequence{0x1F601})
	f.producer.buildErr = errors.New("disk full")

	report, err := f.driver.Run(context.Background(), items)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryBuild))
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, 0, f.driver.Cache().Len())
	_, statErr := os.Stat(f.cachePath)
	assert.True(t, os.IsNotExist(statErr), "cache file must not be written")

	// The next run prepares everything again, undoing the earlier attempt first.
	f.producer.buildErr = nil
	report, err = f.driver.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, report.Prepared, 2)
	assert.ElementsMatch(t, []item.Key{"1f600", "1f601"}, f.producer.undos)
	for _, it := range items {
		assert.Equal(t, 2, f.producer.prepareCount(it.Key()))
	}
	assert.Equal(t, 2, hashcache.LoadFile(f.cachePath).Len())
}

func TestRunUndoesChangedItemBeforePreparing(t *testing.T) {
	f := newFixture(t, 2)
	items := f.sources(t, item.Sequence{0x1F600}, item.Sequence{0x1F601})
	_, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)

	changed := f.source(t, item.Sequence{0x1F601}, "<svg>edited\r\n</svg>")
	report, err := f.driver.Run(context.Background(), []item.Item{items[0], changed})
	require.NoError(t, err)

	assert.Equal(t, []item.Key{"1f601"}, f.producer.undos)
	assert.Equal(t, []item.Key{"1f601"}, report.Prepared)
	assert.Equal(t, []item.Key{"1f600"}, report.Reused)
	assert.False(t, report.Outcomes["1f601"].Invalidated, "fresh preparation replaces the undone outcome")

	want, err := hashcache.DigestItem(changed)
	require.NoError(t, err)
	got, _ := f.driver.Cache().Lookup(changed)
	assert.Equal(t, want, got)
}

func TestRunPreparesWhenArtifactMissing(t *testing.T) {
	f := newFixture(t, 1)
	items := f.sources(t, item.Sequence{0x1F600})
	_, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)

	delete(f.producer.artifacts, items[0].Key())
	report, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, []item.Key{"1f600"}, report.Prepared)
	assert.Equal(t, 2, f.producer.prepareCount("1f600"))
}

func TestRunCancellationFinishesWithoutBuilding(t *testing.T) {
	f := newFixture(t, 1)
	items := f.sources(t, item.Sequence{0x1F600}, item.Sequence{0x1F601}, item.Sequence{0x1F602}, item.Sequence{0x1F603})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.producer.onPrepare = func(item.Item) { cancel() }

	report, err := f.driver.Run(ctx, items)
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCanceled, report.State)

	assert.Empty(t, f.producer.builds)
	require.Len(t, f.producer.finishes, 1)
	finished := f.producer.finishes[0]
	assert.NotEmpty(t, finished)
	assert.Less(t, len(finished), len(items), "dispatch stops after cancellation")

	assert.Equal(t, 0, f.driver.Cache().Len())
	_, statErr := os.Stat(f.cachePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCanceledBeforeStart(t *testing.T) {
	f := newFixture(t, 2)
	items := f.sources(t, item.Sequence{0x1F600})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.driver.Run(ctx, items)
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 0, f.producer.prepareCount("1f600"))
	assert.Empty(t, f.producer.builds)
	assert.Len(t, f.producer.finishes, 1)
}

func TestRunFoldsDerivedItems(t *testing.T) {
	f := newFixture(t, 2)
	items := f.sources(t, item.Sequence{0x1F44B})
	toned := item.New(item.Sequence{0x1F44B, 0x1F3FB}, "")
	f.producer.derive["1f44b"] = []item.Item{toned}

	report, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 2)
	derived := report.Outcomes[toned.Key()]
	assert.True(t, derived.Derived)
	assert.Equal(t, "glyph:1f44b 1f3fb", derived.Value)
	assert.Len(t, f.producer.builds[0], 2)

	_, cached := f.driver.Cache().Lookup(toned)
	assert.False(t, cached, "derived items are not cached")
	_, cached = f.driver.Cache().Lookup(items[0])
	assert.True(t, cached)
}

func TestRunPersistFailureDoesNotFailRun(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	p := newFakeProducer()
	d, err := New[string](p, nil, Options{
		OutputPath: filepath.Join(dir, "out"),
		CachePath:  filepath.Join(blocker, "hashes.csv"),
		Workers:    1,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "1f600.svg")
	require.NoError(t, os.WriteFile(path, []byte("<svg/>"), 0o600))

	report, err := d.Run(context.Background(), []item.Item{item.New(item.Sequence{0x1F600}, path)})
	require.NoError(t, err)
	require.Error(t, report.PersistErr)
	assert.True(t, ferrors.HasCategory(report.PersistErr, ferrors.CategoryCache))
	assert.Len(t, p.builds, 1)
	assert.Equal(t, 1, d.Cache().Len(), "in-memory cache is still updated")
}

func TestRunRejectsEmptyInput(t *testing.T) {
	f := newFixture(t, 2)
	report, err := f.driver.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoItems)
	require.NotNil(t, report)
	assert.Empty(t, f.producer.builds)
	assert.Empty(t, f.producer.finishes)
}

func TestRunMergesDuplicateItems(t *testing.T) {
	f := newFixture(t, 4)
	it := f.source(t, item.Sequence{0x1F600}, "<svg/>")
	named := it
	named.Name = "grinning face"

	report, err := f.driver.Run(context.Background(), []item.Item{it, named, it})
	require.NoError(t, err)
	assert.Equal(t, 1, f.producer.prepareCount("1f600"))
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "grinning face", report.Outcomes["1f600"].Item.Name)
}

func TestRunNeverCachesItemsWithoutSource(t *testing.T) {
	f := newFixture(t, 1)
	it := item.New(item.Sequence{0x1F600}, "")

	for range 2 {
		report, err := f.driver.Run(context.Background(), []item.Item{it})
		require.NoError(t, err)
		assert.Equal(t, []item.Key{"1f600"}, report.Prepared)
	}
	assert.Equal(t, 2, f.producer.prepareCount("1f600"))
	assert.Equal(t, []item.Key{"1f600"}, f.producer.undos)
	assert.Equal(t, 0, f.driver.Cache().Len())
}

// planningProducer records the items handed to Plan and how many Prepare
// calls had happened by then.
type planningProducer struct {
	*fakeProducer
	planned        [][]item.Key
	preparedAtPlan []int
}

func (p *planningProducer) Plan(items []item.Item) {
	keys := make([]item.Key, len(items))
	for i, it := range items {
		keys[i] = it.Key()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planned = append(p.planned, keys)
	total := 0
	for _, n := range p.prepares {
		total += n
	}
	p.preparedAtPlan = append(p.preparedAtPlan, total)
}

func TestRunPlansDedupedItemsFirst(t *testing.T) {
	f := newFixture(t, 2)
	planner := &planningProducer{fakeProducer: f.producer}
	d, err := New[string](planner, hashcache.New(), Options{
		BuildDir:   filepath.Join(f.dir, "build"),
		OutputPath: filepath.Join(f.dir, "out.tar.zst"),
		CachePath:  f.cachePath,
		Workers:    2,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	items := f.sources(t, item.Sequence{0x1F600}, item.Sequence{0x1F601})
	_, err = d.Run(context.Background(), append(items, items[0]))
	require.NoError(t, err)
	_, err = d.Run(context.Background(), items[:1])
	require.NoError(t, err)

	require.Len(t, planner.planned, 2)
	assert.Equal(t, []item.Key{"1f600", "1f601"}, planner.planned[0])
	assert.Equal(t, []item.Key{"1f600"}, planner.planned[1])
	assert.Equal(t, []int{0, 2}, planner.preparedAtPlan)
}

func TestReset(t *testing.T) {
	f := newFixture(t, 2)
	items := f.sources(t, item.Sequence{0x1F600}, item.Sequence{0x1F601})
	_, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)

	require.NoError(t, f.driver.Reset(context.Background()))
	assert.Equal(t, 1, f.producer.resets)
	assert.Equal(t, 0, f.driver.Cache().Len())
	assert.Equal(t, 0, hashcache.LoadFile(f.cachePath).Len())
	assert.Equal(t, StateInitialized, f.driver.State())

	report, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, report.Prepared, 2)
	assert.Empty(t, f.producer.undos, "reset items are prepared without undo")
}

func TestResetReportsEveryFailure(t *testing.T) {
	f := newFixture(t, 1)
	denied := errors.New("permission denied")
	f.producer.resetErr = &producer.ResetError{Dir: "build", Failures: []producer.ResetFailure{
		{Path: "build/a.svg", Err: denied},
		{Path: "build/b.svg", Err: denied},
	}}

	err := f.driver.Reset(context.Background())
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryReset))
	var resetErr *producer.ResetError
	require.ErrorAs(t, err, &resetErr)
	assert.Equal(t, []string{"build/a.svg", "build/b.svg"}, resetErr.Paths())
	assert.ErrorIs(t, err, denied)

	f.producer.resetErr = errors.New("boom")
	err = f.driver.Reset(context.Background())
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryProducer))
}

type countingRecorder struct {
	metrics.NoopRecorder
	mu       sync.Mutex
	items    map[metrics.ItemResult]int
	outcomes map[metrics.RunOutcome]int
	workers  int
}

func (r *countingRecorder) IncItemResult(res metrics.ItemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[res]++
}

func (r *countingRecorder) IncRunOutcome(o metrics.RunOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

func (r *countingRecorder) SetWorkers(n int) { r.workers = n }

func TestRunRecordsMetrics(t *testing.T) {
	dir := t.TempDir()
	rec := &countingRecorder{items: map[metrics.ItemResult]int{}, outcomes: map[metrics.RunOutcome]int{}}
	p := newFakeProducer()
	d, err := New[string](p, nil, Options{OutputPath: filepath.Join(dir, "out"), Workers: 3, Recorder: rec})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.workers)

	var items []item.Item
	for _, cp := range []uint32{0x1F600, 0x1F601} {
		path := filepath.Join(dir, string(item.Sequence{cp}.Key())+".svg")
		require.NoError(t, os.WriteFile(path, []byte("<svg/>"), 0o600))
		items = append(items, item.New(item.Sequence{cp}, path))
	}
	p.fail["1f601"] = errors.New("bad")

	_, err = d.Run(context.Background(), items)
	require.NoError(t, err)
	_, err = d.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.items[metrics.ItemReused])
	assert.Equal(t, 1, rec.items[metrics.ItemPrepared])
	assert.Equal(t, 2, rec.items[metrics.ItemFailed])
	assert.Equal(t, 2, rec.outcomes[metrics.RunPartial])
}

func TestRunPool(t *testing.T) {
	inputs := []int{1, 2, 3, 4, 5, 6, 7, 8}
	results := runPool(context.Background(), 3, inputs, func(_ context.Context, _ int, n int) int {
		time.Sleep(time.Millisecond)
		return n * n
	})
	for i, r := range results {
		require.True(t, r.done)
		assert.Equal(t, inputs[i]*inputs[i], r.value)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results = runPool(ctx, 2, inputs, func(context.Context, int, int) int { return 1 })
	for _, r := range results {
		assert.False(t, r.done)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "cache_committing", StateCacheCommitting.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateCanceled.Terminal())
	assert.False(t, StatePreparing.Terminal())
}
