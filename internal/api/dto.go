package api

import (
	"time"

	"github.com/god233012yamil/fetchd/internal/core"
	"github.com/god233012yamil/fetchd/internal/event"
	"github.com/god233012yamil/fetchd/internal/storage"
)

type AddDownloadRequest struct {
	URL string `json:"url"`
}

type DownloadResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	DestPath string `json:"dest_path"`
	State    string `json:"state"`

	BytesDownloaded int64 `json:"bytes_downloaded"`
	// TotalBytes is null until headers arrived, or forever when the
	// server omits content length.
	TotalBytes *int64 `json:"total_bytes"`
	Percent    *int   `json:"percent"`

	Error string `json:"error,omitempty"`

	CreatedAt  *time.Time `json:"created_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type DownloadsListResponse struct {
	Downloads []*DownloadResponse `json:"downloads"`
}

type EventResponse struct {
	DownloadID string `json:"download_id"`
	Kind       string `json:"kind"`

	Bytes      int64  `json:"bytes"`
	TotalBytes *int64 `json:"total_bytes"`
	Percent    *int   `json:"percent"`

	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

type EventsResponse struct {
	Events []*EventResponse `json:"events"`
}

type AffectedResponse struct {
	Affected int `json:"affected"`
}

type HistoryResponse struct {
	Records []storage.Record `json:"records"`
}

func NewDownloadsListResponse(ds []*core.Download) *DownloadsListResponse {
	resp := &DownloadsListResponse{
		Downloads: make([]*DownloadResponse, 0, len(ds)),
	}
	for _, d := range ds {
		if d == nil {
			continue
		}
		resp.Downloads = append(resp.Downloads, NewDownloadResponse(d))
	}
	return resp
}

func NewDownloadResponse(d *core.Download) *DownloadResponse {
	if d == nil {
		return nil
	}

	return &DownloadResponse{
		ID:              d.ID,
		URL:             d.URL,
		DestPath:        d.DestPath,
		State:           stateString(d.State),
		BytesDownloaded: d.BytesDownloaded,
		TotalBytes:      totalOrNull(d.TotalBytes),
		Percent:         d.Percent(),
		Error:           d.Error,
		CreatedAt:       copyTime(d.CreatedAt),
		StartedAt:       copyTime(d.StartedAt),
		FinishedAt:      copyTime(d.FinishedAt),
	}
}

func NewEventsResponse(evs []event.Event) *EventsResponse {
	resp := &EventsResponse{
		Events: make([]*EventResponse, 0, len(evs)),
	}
	for _, ev := range evs {
		resp.Events = append(resp.Events, NewEventResponse(ev))
	}
	return resp
}

func NewEventResponse(ev event.Event) *EventResponse {
	return &EventResponse{
		DownloadID: ev.DownloadID,
		Kind:       kindString(ev.Kind),
		Bytes:      ev.Bytes,
		TotalBytes: totalOrNull(ev.Total),
		Percent:    copyInt(ev.Percent),
		Message:    ev.Message,
		At:         ev.At,
	}
}

func stateString(s core.State) string {
	switch s {
	case core.StatePending:
		return "pending"
	case core.StateRunning:
		return "running"
	case core.StateCompleted:
		return "completed"
	case core.StateFailed:
		return "failed"
	case core.StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

func kindString(k event.Kind) string {
	switch k {
	case event.KindProgress:
		return "progress"
	case event.KindCompleted:
		return "completed"
	case event.KindFailed:
		return "failed"
	case event.KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

func totalOrNull(total int64) *int64 {
	if total < 0 {
		return nil
	}
	t := total
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	nv := *v
	return &nv
}
