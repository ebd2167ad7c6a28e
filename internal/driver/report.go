package driver

import (
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/emojibuilder/internal/item"
	"git.home.luguber.info/inful/emojibuilder/internal/producer"
)

// Report summarises one driver run.
type Report[T any] struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Duration  time.Duration
	State     State

	// Outcomes holds one entry per item, derived items included. It is
	// partial when the run was canceled.
	Outcomes producer.OutcomeMap[T]

	Reused   []item.Key
	Prepared []item.Key
	Failed   []item.Key

	// PersistErr is set when the cache could not be written. The run still
	// counts as successful.
	PersistErr error
}

func newReport[T any]() *Report[T] {
	return &Report[T]{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
		State:     StateInitialized,
		Outcomes:  producer.OutcomeMap[T]{},
	}
}

// tally fills the key lists from Outcomes.
func (r *Report[T]) tally() {
	r.Reused, r.Prepared, r.Failed = nil, nil, nil
	for _, o := range r.Outcomes.Sorted() {
		key := o.Item.Key()
		switch {
		case !o.OK():
			r.Failed = append(r.Failed, key)
		case o.Reused:
			r.Reused = append(r.Reused, key)
		case !o.Invalidated:
			r.Prepared = append(r.Prepared, key)
		}
	}
}

// Succeeded reports whether the run assembled its output.
func (r *Report[T]) Succeeded() bool {
	return r.State == StateDone
}

// Partial reports whether the run assembled its output with failed items.
func (r *Report[T]) Partial() bool {
	return r.State == StateDone && len(r.Failed) > 0
}
