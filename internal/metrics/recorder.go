package metrics

import "time"

// ItemResult enumerates per-item outcomes for counters.
type ItemResult string

const (
	ItemReused      ItemResult = "reused"
	ItemPrepared    ItemResult = "prepared"
	ItemFailed      ItemResult = "failed"
	ItemInvalidated ItemResult = "invalidated"
	ItemDerived     ItemResult = "derived"
)

// RunOutcome enumerates final states of a driver run.
type RunOutcome string

const (
	RunSuccess  RunOutcome = "success"
	RunPartial  RunOutcome = "partial" // assembled, but some items failed
	RunFailed   RunOutcome = "failed"
	RunCanceled RunOutcome = "canceled"
)

// Recorder defines observability hooks for driver runs. Implementations may
// forward to Prometheus or similar. NoopRecorder is the default.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveRunDuration(d time.Duration)
	IncItemResult(result ItemResult)
	IncRunOutcome(outcome RunOutcome)
	IncCachePersistFailure()
	SetWorkers(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveRunDuration(time.Duration)           {}
func (NoopRecorder) IncItemResult(ItemResult)                   {}
func (NoopRecorder) IncRunOutcome(RunOutcome)                   {}
func (NoopRecorder) IncCachePersistFailure()                    {}
func (NoopRecorder) SetWorkers(int)                             {}
