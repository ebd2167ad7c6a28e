// Package producer defines the contract every output-format producer
// implements so the build driver can orchestrate it without knowing what the
// producer renders or encodes.
//
// A producer is generic over its prepared value T. The driver never looks
// inside T or inside the errors a producer returns; it only distinguishes
// success from failure.
//
// Lifecycle:
//
//	p, err := bundle.New(buildDir, cfg)   // construction, may seed buildDir
//	p.Prepare(ctx, it)                    // per item, concurrently
//	p.Build(ctx, outcomes, outputPath)    // once, with every outcome
//	p.Finish(outcomes)                    // instead of Build when stopping early
//
// Undo and Reset reverse preparation for one item or for the whole build
// directory. Embedding Defaults provides the standard behaviour for Undo,
// Reset and Finish.
package producer

import (
	"context"

	"git.home.luguber.info/inful/emojibuilder/internal/hashcache"
	"git.home.luguber.info/inful/emojibuilder/internal/item"
)

// Producer is the capability set a concrete output-format producer exposes.
type Producer[T any] interface {
	// Prepare performs the per-item work. It must be safe to call from
	// several goroutines at once. It may only be called for an item that was
	// never prepared by this producer, or that has been passed to Undo or
	// Reset since its last preparation.
	Prepare(ctx context.Context, it item.Item) (Prepared[T], error)

	// Reuse synthesizes the preparation of an item whose source is unchanged
	// since the last successful build, derived items included. It returns
	// false when the previously produced artifact is gone and the item must
	// be prepared.
	Reuse(it item.Item, digest hashcache.Digest) (Prepared[T], bool)

	// Build assembles the output artifact from every outcome, failures
	// included, and writes it to outputPath. outcomes is never empty.
	Build(ctx context.Context, outcomes OutcomeMap[T], outputPath string) error

	// Undo reverses a prior Prepare for it. Returning an outcome with
	// Invalidated set keeps the driver from caching it as fresh.
	Undo(it item.Item, outcome Outcome[T]) (Outcome[T], error)

	// Reset clears buildDir so every item may be prepared again. Failures to
	// delete entries are reported as *ResetError.
	Reset(buildDir string) error

	// Finish is called instead of Build when the driver stops early and gives
	// the producer a chance to keep partial progress.
	Finish(outcomes OutcomeMap[T]) error
}

// Planner is implemented by producers that need to know every item of a run
// before any of them is reused, undone or prepared. The driver calls Plan once
// per run with the deduplicated items.
type Planner interface {
	Plan(items []item.Item)
}

// Factory constructs a producer for a build directory and a producer-defined
// configuration value.
type Factory[T any, C any] func(buildDir string, cfg C) (Producer[T], error)

// Derivative is an extra item produced while preparing another, for example a
// skin tone variant of a base glyph.
type Derivative[T any] struct {
	Item  item.Item
	Value T
}

// Prepared is the successful result of Prepare.
type Prepared[T any] struct {
	Value   T
	Derived []Derivative[T]
}

// Defaults supplies the standard Undo, Reset and Finish behaviour. Embed it in
// a producer and override what the producer needs.
type Defaults[T any] struct{}

// Undo returns the outcome unchanged.
func (Defaults[T]) Undo(_ item.Item, outcome Outcome[T]) (Outcome[T], error) {
	return outcome, nil
}

// Reset deletes every entry directly inside buildDir.
func (Defaults[T]) Reset(buildDir string) error {
	return ResetDir(buildDir)
}

// Finish does nothing.
func (Defaults[T]) Finish(OutcomeMap[T]) error {
	return nil
}
