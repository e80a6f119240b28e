package storage

import (
	"context"
	"time"
)

// Record is one finished download: a journal entry, not queue state.
// The supervisor appends a record when a download reaches a terminal
// state; nothing is ever read back into the task collection.
type Record struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"file_name,omitempty"`
	State    string `json:"state"`
	Bytes    int64  `json:"bytes"`
	Error    string `json:"error,omitempty"`

	FinishedAt time.Time `json:"finished_at"`
}

// HistoryStore persists the journal of finished downloads.
// Implementations MUST be safe for concurrent appends.
type HistoryStore interface {
	Append(ctx context.Context, rec Record) error
	// List returns records ordered by FinishedAt.
	List(ctx context.Context) ([]Record, error)

	Close() error
}
