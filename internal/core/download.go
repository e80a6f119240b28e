package core

import (
	"sort"
	"time"
)

// Download is one file transfer attempt: a stable identity, an
// immutable source URL and destination path, and the observable
// progress of the run.
type Download struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	DestPath string `json:"dest_path"`
	State    State  `json:"state"`

	BytesDownloaded int64 `json:"bytes_downloaded"`
	// TotalBytes is TotalUnknown until response headers arrive, and
	// stays TotalUnknown when the server omits content length.
	TotalBytes int64 `json:"total_bytes"`

	Error string `json:"error,omitempty"`

	CreatedAt  *time.Time `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func NewDownload(id, url, destPath string, now *time.Time) *Download {
	return &Download{
		ID:         id,
		URL:        url,
		DestPath:   destPath,
		State:      StatePending,
		TotalBytes: TotalUnknown,
		CreatedAt:  now,
	}
}

// Percent returns the computable progress percentage, nil when
// indeterminate. Same policy as PercentOf.
func (d *Download) Percent() *int {
	if d == nil {
		return nil
	}
	if d.State == StateCompleted && d.TotalBytes > 0 {
		p := 100
		return &p
	}
	return PercentOf(d.BytesDownloaded, d.TotalBytes)
}

func (d *Download) Clone() *Download {
	if d == nil {
		return nil
	}
	c := *d
	c.CreatedAt = copyTime(d.CreatedAt)
	c.StartedAt = copyTime(d.StartedAt)
	c.FinishedAt = copyTime(d.FinishedAt)
	return &c
}

func CloneDownloads(ds []*Download) []*Download {
	if len(ds) == 0 {
		return nil
	}
	res := make([]*Download, 0, len(ds))
	for _, d := range ds {
		res = append(res, d.Clone())
	}
	return res
}

// SortDownloads sorts downloads in-place by CreatedAt, ID as tiebreak.
func SortDownloads(ds []*Download) {
	sort.Slice(ds, func(i, j int) bool {
		time1 := ds[i].CreatedAt
		time2 := ds[j].CreatedAt

		switch {
		case time1 == nil && time2 == nil:
			return ds[i].ID < ds[j].ID
		case time1 == nil:
			return false
		case time2 == nil:
			return true
		case time1.Equal(*time2):
			return ds[i].ID < ds[j].ID
		default:
			return time1.Before(*time2)
		}
	})
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}
