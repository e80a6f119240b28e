package download

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/god233012yamil/fetchd/internal/core"
	"github.com/god233012yamil/fetchd/internal/engine"
	"github.com/god233012yamil/fetchd/internal/event"
	"github.com/god233012yamil/fetchd/internal/storage"
	"go.uber.org/zap"
)

const historyAppendTimeout = 5 * time.Second

// Supervisor owns the collection of download tasks: creation order is
// kept for stable display, lookup is by id. It exposes the bulk
// operations the controller drives and records finished downloads in
// the history store.
type Supervisor struct {
	ctx context.Context

	eng     *engine.Engine
	bus     *event.Bus
	history storage.HistoryStore
	logger  *zap.Logger
	idGen   IDGenerator
	now     func() time.Time

	dir string
	// slots is shared by all tasks when MaxConcurrent > 0.
	slots chan struct{}

	mu    sync.Mutex
	order []*Task
	tasks map[string]*Task
}

type SupervisorOptions struct {
	Engine *engine.Engine `validate:"required"`
	Bus    *event.Bus     `validate:"required"`
	Dir    string         `validate:"required"`

	// MaxConcurrent caps simultaneously running engines.
	// 0 preserves the unbounded one-goroutine-per-download behavior.
	MaxConcurrent int `validate:"min=0"`

	History storage.HistoryStore
	Logger  *zap.Logger
	IDGen   IDGenerator
	Now     func() time.Time
}

// NewSupervisor builds a supervisor. ctx bounds the lifetime of every
// engine run it starts.
func NewSupervisor(ctx context.Context, opts *SupervisorOptions) (*Supervisor, error) {
	if opts == nil {
		return nil, errors.New("supervisor: required options")
	}
	if err := validator.New().Struct(opts); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idGen := opts.IDGen
	if idGen == nil {
		idGen = NewRandomIDGenerator("dl-")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var slots chan struct{}
	if opts.MaxConcurrent > 0 {
		slots = make(chan struct{}, opts.MaxConcurrent)
	}

	return &Supervisor{
		ctx:     ctx,
		eng:     opts.Engine,
		bus:     opts.Bus,
		history: opts.History,
		logger:  logger,
		idGen:   idGen,
		now:     now,
		dir:     opts.Dir,
		slots:   slots,
		tasks:   make(map[string]*Task),
	}, nil
}

// Add registers a new Pending download without starting it. The
// destination path is derived from the URL once, here, and never
// changes afterwards.
func (s *Supervisor) Add(rawURL string) (*core.Download, error) {
	const op = "download.Supervisor.Add"

	u := strings.TrimSpace(rawURL)
	if u == "" {
		return nil, core.NewValidationError("required url", nil, op)
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return nil, core.NewInternalError("gen id error", err, op)
	}

	name := DeriveFilename(u)
	if name == "" {
		name = "download-" + id
	}
	dest := filepath.Join(s.dir, name)

	t := newTask(id, u, dest, s.eng, s.bus, s.slots, s.now, s.recordHistory)

	s.mu.Lock()
	s.order = append(s.order, t)
	s.tasks[id] = t
	s.mu.Unlock()

	return t.Snapshot(), nil
}

// Start launches one Pending download. The lookup and the transition
// happen under s.mu so a concurrent Remove/Clear can never observe the
// task as Pending, delete it, and then have it start anyway.
func (s *Supervisor) Start(id string) error {
	const op = "download.Supervisor.Start"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.NewDownloadNotFoundError(id, op)
	}
	return t.Start(s.ctx)
}

// StartAll starts every Pending download and returns how many it
// started. Running and terminal downloads are left untouched. Held
// under s.mu for the same reason as Start.
func (s *Supervisor) StartAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := 0
	for _, t := range s.order {
		if t.State() != core.StatePending {
			continue
		}
		if err := t.Start(s.ctx); err == nil {
			started++
		}
	}
	return started
}

// Cancel requests cancellation of one download. Always succeeds for a
// known id: cancelling a terminal download is a no-op.
func (s *Supervisor) Cancel(id string) error {
	const op = "download.Supervisor.Cancel"

	t, err := s.task(id, op)
	if err != nil {
		return err
	}
	t.Cancel()
	return nil
}

// CancelAll requests cancellation of every non-terminal download and
// returns immediately; termination is observed through events.
func (s *Supervisor) CancelAll() int {
	cancelled := 0
	for _, t := range s.snapshotTasks() {
		if t.State().IsTerminal() {
			continue
		}
		t.Cancel()
		cancelled++
	}
	return cancelled
}

// Remove forgets one download. Refused while it is Running: a running
// task still owns its destination file.
func (s *Supervisor) Remove(id string) error {
	const op = "download.Supervisor.Remove"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.NewDownloadNotFoundError(id, op)
	}
	if t.State() == core.StateRunning {
		return core.NewHasActiveDownloadsError(op).WithMeta("download_id", id)
	}

	delete(s.tasks, id)
	for i, o := range s.order {
		if o.ID() == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Clear removes all downloads. Refused while anything is Running.
func (s *Supervisor) Clear() error {
	const op = "download.Supervisor.Clear"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.order {
		if t.State() == core.StateRunning {
			return core.NewHasActiveDownloadsError(op).WithMeta("download_id", t.ID())
		}
	}
	s.order = nil
	s.tasks = make(map[string]*Task)
	return nil
}

func (s *Supervisor) Get(id string) (*core.Download, error) {
	const op = "download.Supervisor.Get"

	t, err := s.task(id, op)
	if err != nil {
		return nil, err
	}
	return t.Snapshot(), nil
}

// List returns snapshots in creation order.
func (s *Supervisor) List() []*core.Download {
	ts := s.snapshotTasks()
	res := make([]*core.Download, 0, len(ts))
	for _, t := range ts {
		res = append(res, t.Snapshot())
	}
	return res
}

// Shutdown cancels everything and waits for started engines to reach
// their terminal event, or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.CancelAll()
	for _, t := range s.snapshotTasks() {
		if t.State() == core.StatePending {
			// never started, no goroutine to wait for
			continue
		}
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) task(id, op string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, core.NewDownloadNotFoundError(id, op)
	}
	return t, nil
}

func (s *Supervisor) snapshotTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*Task, len(s.order))
	copy(res, s.order)
	return res
}

// recordHistory appends a finished download to the journal.
// Best-effort: a store failure is logged, never surfaced.
func (s *Supervisor) recordHistory(d *core.Download) {
	if s.history == nil {
		return
	}
	finished := s.now().UTC()
	if d.FinishedAt != nil {
		finished = *d.FinishedAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyAppendTimeout)
	defer cancel()

	err := s.history.Append(ctx, storage.Record{
		ID:         d.ID,
		URL:        d.URL,
		Filename:   filepath.Base(d.DestPath),
		State:      string(d.State),
		Bytes:      d.BytesDownloaded,
		Error:      d.Error,
		FinishedAt: finished,
	})
	if err != nil {
		s.logger.Warn("append history",
			zap.String("download_id", d.ID),
			zap.Error(err),
		)
	}
}
