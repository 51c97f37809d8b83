package registry

import "sync/atomic"

// RunState is the shared per-script execution state engines poll at safe
// points. It is backed by an atomic int32 rather than a mutex so engines can
// check it on every loop iteration without contending a lock.
type RunState struct {
	v atomic.Int32
}

const (
	stateExecuting int32 = iota
	stateKilled
	stateFinished
)

// NewRunState returns a RunState in the Executing state.
func NewRunState() *RunState {
	r := &RunState{}
	r.v.Store(stateExecuting)
	return r
}

// Kill transitions the state to Killed. It is a no-op if the script has
// already finished.
func (r *RunState) Kill() bool {
	return r.v.CompareAndSwap(stateExecuting, stateKilled)
}

// Finish transitions the state to Finished.
func (r *RunState) Finish() {
	r.v.Store(stateFinished)
}

// Killed reports whether a kill has been requested.
func (r *RunState) Killed() bool {
	return r.v.Load() == stateKilled
}

// Finished reports whether the run has already completed.
func (r *RunState) Finished() bool {
	return r.v.Load() == stateFinished
}
