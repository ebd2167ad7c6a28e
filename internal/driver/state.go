package driver

// State is a step of the driver's run state machine:
//
//	Initialized -> StalenessChecked -> Preparing -> Aggregated -> Assembling -> CacheCommitting -> Done
//	Initialized -> Resetting -> Initialized
//
// Canceled and Failed end a run early.
type State int

const (
	StateInitialized State = iota
	StateStalenessChecked
	StatePreparing
	StateAggregated
	StateAssembling
	StateCacheCommitting
	StateDone
	StateResetting
	StateCanceled
	StateFailed
)

var stateNames = [...]string{
	StateInitialized:      "initialized",
	StateStalenessChecked: "staleness_checked",
	StatePreparing:        "preparing",
	StateAggregated:       "aggregated",
	StateAssembling:       "assembling",
	StateCacheCommitting:  "cache_committing",
	StateDone:             "done",
	StateResetting:        "resetting",
	StateCanceled:         "canceled",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCanceled || s == StateFailed
}
