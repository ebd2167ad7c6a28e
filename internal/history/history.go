// Package history keeps a record of finished build runs in SQLite.
package history

import (
	"context"
	"time"

	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
)

// Run summarises one driver run.
type Run struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	State     string
	Outcome   string
	Items     int
	Reused    int
	Prepared  int
	Failed    int
	// Failures lists the sequence keys of failed items.
	Failures []string
	Error    string
}

// Store persists and lists runs.
type Store interface {
	// Record appends a run. Recording the same ID twice replaces the first row.
	Record(ctx context.Context, run Run) error

	// Recent returns up to limit runs, newest first.
	Recent(ctx context.Context, limit int) ([]Run, error)

	// Get returns the run with the given ID.
	Get(ctx context.Context, id string) (Run, error)

	Close() error
}

var (
	// ErrOpenFailed indicates the history database could not be opened.
	ErrOpenFailed = ferrors.NewError(ferrors.CategoryHistory, "could not open history database").Build()

	// ErrRecordFailed indicates a run could not be stored.
	ErrRecordFailed = ferrors.NewError(ferrors.CategoryHistory, "failed to record run").Build()

	// ErrQueryFailed indicates reading runs failed.
	ErrQueryFailed = ferrors.NewError(ferrors.CategoryHistory, "failed to query runs").Build()

	// ErrRunNotFound is returned by Get for unknown IDs.
	ErrRunNotFound = ferrors.NewError(ferrors.CategoryNotFound, "run not found").Build()
)
