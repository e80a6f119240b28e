package core

// State is a lifecycle state of a Download.
//
// Transitions are one-directional:
// Pending -> Running -> {Completed | Failed | Interrupted}.
// A download never re-enters Running; a retry is a new download.
type State string

const (
	StatePending     State = "PENDING"
	StateRunning     State = "RUNNING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateInterrupted State = "INTERRUPTED"
)

// IsTerminal returns true if the state ends the download's active phase.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateInterrupted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateRunning || next == StateInterrupted
	case StateRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// TotalUnknown marks a download whose size the server did not report.
const TotalUnknown int64 = -1

// PercentOf computes floor(bytes*100/total) clamped to [0,100].
// It returns nil when total is unknown or zero: progress is then
// indeterminate and a percentage must not be shown.
func PercentOf(bytes, total int64) *int {
	if total <= 0 {
		return nil
	}
	p := int(bytes * 100 / total)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return &p
}
