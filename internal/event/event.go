package event

import "time"

// Kind classifies an Event.
type Kind string

const (
	KindProgress    Kind = "PROGRESS"
	KindCompleted   Kind = "COMPLETED"
	KindFailed      Kind = "FAILED"
	KindInterrupted Kind = "INTERRUPTED"
)

// Terminal returns true if the kind ends a download's event sequence.
// Exactly one terminal event is emitted per run, always last.
func (k Kind) Terminal() bool {
	switch k {
	case KindCompleted, KindFailed, KindInterrupted:
		return true
	default:
		return false
	}
}

// Event is one notification from an engine run, tagged with the
// download identity so a subscriber can route it.
type Event struct {
	DownloadID string
	Kind       Kind

	Bytes int64
	// Total is core.TotalUnknown when the server did not report a size.
	Total int64
	// Percent is nil when progress is indeterminate.
	Percent *int

	// Message carries the human-readable cause on Failed events.
	Message string

	At time.Time
}
