// Package automation implements the per-automation control loops: the
// IDLE→RUNNING→EXITED state machine, the run-after dependency barrier,
// the starts/stops enable/disable effects, and the action dispatcher
// that turns a trigger into grouped entity updates.
package automation

// State is an automation's runtime lifecycle state. Flags like enabled
// are orthogonal: a disabled automation still cycles through states,
// its ticks just evaluate as false.
type State int32

const (
	// StateIdle is the initial state, re-entered after each successful
	// run. An IDLE runner polls its dependency barrier.
	StateIdle State = iota
	// StateRunning means the runner is actively evaluating its
	// condition once per tick.
	StateRunning
	// StateExitedSuccess is reached after a trigger; the runner settles
	// for one tick and re-enters IDLE.
	StateExitedSuccess
	// StateExitedFailure is reserved for internal evaluation failure.
	// Evaluation errors currently resolve to "not triggered" instead,
	// so this state is not reached.
	StateExitedFailure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateExitedSuccess:
		return "EXITED_SUCCESS"
	case StateExitedFailure:
		return "EXITED_FAILURE"
	default:
		return "UNKNOWN"
	}
}
