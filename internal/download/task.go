package download

import (
	"context"
	"sync"
	"time"

	"github.com/god233012yamil/fetchd/internal/core"
	"github.com/god233012yamil/fetchd/internal/engine"
	"github.com/god233012yamil/fetchd/internal/event"
)

// Task wraps one engine run: it owns the cancel flag and the engine
// goroutine, relays engine events to the shared bus, and answers state
// queries with consistent snapshots.
type Task struct {
	id       string
	url      string
	destPath string

	eng        *engine.Engine
	bus        *event.Bus
	now        func() time.Time
	onTerminal func(*core.Download) // may be nil

	// slots limits concurrently running engines. nil = unbounded,
	// one goroutine per download as in the unbounded design.
	slots chan struct{}

	flag       engine.CancelFlag
	cancelOnce sync.Once
	cancelled  chan struct{}

	mu         sync.Mutex
	state      core.State
	bytes      int64
	total      int64
	errMsg     string
	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time

	done chan struct{}
}

func newTask(
	id, url, destPath string,
	eng *engine.Engine,
	bus *event.Bus,
	slots chan struct{},
	now func() time.Time,
	onTerminal func(*core.Download),
) *Task {
	return &Task{
		id:         id,
		url:        url,
		destPath:   destPath,
		eng:        eng,
		bus:        bus,
		now:        now,
		onTerminal: onTerminal,
		slots:      slots,
		cancelled:  make(chan struct{}),
		state:      core.StatePending,
		total:      core.TotalUnknown,
		createdAt:  now().UTC(),
		done:       make(chan struct{}),
	}
}

func (t *Task) ID() string {
	return t.id
}

// Start transitions the task to Running and launches the engine on its
// own goroutine. The caller is never blocked by the transfer.
func (t *Task) Start(ctx context.Context) error {
	const op = "download.Task.Start"

	t.mu.Lock()
	if t.state != core.StatePending {
		t.mu.Unlock()
		return core.NewAlreadyStartedError(t.id, op)
	}
	t.state = core.StateRunning
	now := t.now().UTC()
	t.startedAt = &now
	t.mu.Unlock()

	go t.run(ctx)
	return nil
}

// Cancel requests cooperative interruption. It returns immediately and
// is idempotent: calling it again, or after the task reached a terminal
// state, is a no-op and emits no further events.
func (t *Task) Cancel() {
	t.flag.Set()
	t.cancelOnce.Do(func() {
		close(t.cancelled)
	})
}

// CancelRequested reports whether Cancel was called at least once.
func (t *Task) CancelRequested() bool {
	return t.flag.IsSet()
}

func (t *Task) State() core.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the engine goroutine has finished, strictly
// after the terminal event reached the bus.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Snapshot returns a consistent copy of the task's observable state.
// Safe to call concurrently with a running engine.
func (t *Task) Snapshot() *core.Download {
	t.mu.Lock()
	defer t.mu.Unlock()

	created := t.createdAt
	return &core.Download{
		ID:              t.id,
		URL:             t.url,
		DestPath:        t.destPath,
		State:           t.state,
		BytesDownloaded: t.bytes,
		TotalBytes:      t.total,
		Error:           t.errMsg,
		CreatedAt:       &created,
		StartedAt:       copyTime(t.startedAt),
		FinishedAt:      copyTime(t.finishedAt),
	}
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)

	if t.slots != nil {
		select {
		case t.slots <- struct{}{}:
			defer func() { <-t.slots }()
		case <-t.cancelled:
			t.Emit(event.Event{
				DownloadID: t.id,
				Kind:       event.KindInterrupted,
				Total:      core.TotalUnknown,
				At:         t.now().UTC(),
			})
			return
		case <-ctx.Done():
			t.Emit(event.Event{
				DownloadID: t.id,
				Kind:       event.KindInterrupted,
				Total:      core.TotalUnknown,
				At:         t.now().UTC(),
			})
			return
		}
	}

	t.eng.Run(ctx, engine.RunSpec{
		DownloadID: t.id,
		URL:        t.url,
		DestPath:   t.destPath,
	}, &t.flag, t)
}

// Emit implements engine.Sink. The task records the event in its own
// state before forwarding it, so a subscriber that observes a terminal
// event always sees the task in the matching terminal state.
func (t *Task) Emit(ev event.Event) {
	t.mu.Lock()
	t.bytes = ev.Bytes
	t.total = ev.Total
	if ev.Kind.Terminal() {
		switch ev.Kind {
		case event.KindCompleted:
			t.state = core.StateCompleted
		case event.KindInterrupted:
			t.state = core.StateInterrupted
		default:
			t.state = core.StateFailed
		}
		t.errMsg = ev.Message
		now := ev.At
		if now.IsZero() {
			now = t.now().UTC()
		}
		t.finishedAt = &now
	}
	t.mu.Unlock()

	if ev.Kind.Terminal() && t.onTerminal != nil {
		t.onTerminal(t.Snapshot())
	}
	t.bus.Publish(ev)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}
