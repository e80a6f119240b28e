package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/god233012yamil/fetchd/internal/core"
	"github.com/god233012yamil/fetchd/internal/event"
	"github.com/god233012yamil/fetchd/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, opts *SupervisorOptions) *Supervisor {
	t.Helper()
	if opts == nil {
		opts = &SupervisorOptions{}
	}
	if opts.Engine == nil {
		opts.Engine = newDownloadEngine(t)
	}
	if opts.Bus == nil {
		opts.Bus = event.NewBus(4096)
	}
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	sup, err := NewSupervisor(context.Background(), opts)
	require.NoError(t, err)
	return sup
}

func TestNewSupervisorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSupervisor(context.Background(), nil)
	require.Error(t, err)

	_, err = NewSupervisor(context.Background(), &SupervisorOptions{})
	require.Error(t, err)

	_, err = NewSupervisor(context.Background(), &SupervisorOptions{
		Engine: newDownloadEngine(t),
		Bus:    event.NewBus(16),
	})
	require.Error(t, err, "dir is required")
}

func TestSupervisorAdd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sup := newTestSupervisor(t, &SupervisorOptions{Dir: dir})

	d, err := sup.Add("https://example.com/files/data.csv?v=1")
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)
	require.Equal(t, core.StatePending, d.State)
	require.Equal(t, filepath.Join(dir, "data.csv"), d.DestPath)
	require.Equal(t, core.TotalUnknown, d.TotalBytes)

	// URL without a usable basename falls back to a generated name
	d2, err := sup.Add("https://example.com/")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "download-"+d2.ID), d2.DestPath)

	_, err = sup.Add("   ")
	require.Error(t, err)

	list := sup.List()
	require.Len(t, list, 2)
	require.Equal(t, d.ID, list[0].ID)
	require.Equal(t, d2.ID, list[1].ID)
}

func TestSupervisorGetUnknown(t *testing.T) {
	t.Parallel()

	sup := newTestSupervisor(t, nil)

	_, err := sup.Get("nope")
	appErr, ok := core.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, core.ErrorCodeNotFound, appErr.Code)

	require.Error(t, sup.Start("nope"))
	require.Error(t, sup.Cancel("nope"))
	require.Error(t, sup.Remove("nope"))
}

func TestSupervisorStartAllCancelAll(t *testing.T) {
	t.Parallel()

	srv := trickleServer(t)
	dir := t.TempDir()
	sup := newTestSupervisor(t, &SupervisorOptions{Dir: dir})

	var ids []string
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		d, err := sup.Add(srv.URL + "/" + name)
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}

	require.Equal(t, 3, sup.StartAll())
	// restarting is a no-op; nothing is Pending anymore
	require.Equal(t, 0, sup.StartAll())

	require.Eventually(t, func() bool {
		for _, d := range sup.List() {
			if d.State != core.StateRunning || d.BytesDownloaded == 0 {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond, "all three must be running and progressing")

	require.Equal(t, 3, sup.CancelAll())

	require.Eventually(t, func() bool {
		for _, d := range sup.List() {
			if d.State != core.StateInterrupted {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)

	for _, id := range ids {
		d, err := sup.Get(id)
		require.NoError(t, err)
		_, statErr := os.Stat(d.DestPath)
		require.True(t, os.IsNotExist(statErr), "no partial file for %s", id)
	}

	// all three became terminal, further cancels affect nothing
	require.Equal(t, 0, sup.CancelAll())
}

func TestSupervisorRemoveRunning(t *testing.T) {
	t.Parallel()

	srv := trickleServer(t)
	sup := newTestSupervisor(t, nil)

	d, err := sup.Add(srv.URL + "/file.bin")
	require.NoError(t, err)
	require.NoError(t, sup.Start(d.ID))

	require.Eventually(t, func() bool {
		got, err := sup.Get(d.ID)
		return err == nil && got.State == core.StateRunning
	}, waitTimeout, 10*time.Millisecond)

	err = sup.Remove(d.ID)
	appErr, ok := core.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, core.ErrorCodeConflict, appErr.Code)

	require.NoError(t, sup.Cancel(d.ID))
	require.Eventually(t, func() bool {
		got, err := sup.Get(d.ID)
		return err == nil && got.State.IsTerminal()
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, sup.Remove(d.ID))
	_, err = sup.Get(d.ID)
	require.Error(t, err)
	require.Empty(t, sup.List())
}

func TestSupervisorConcurrentStartRemove(t *testing.T) {
	t.Parallel()

	srv := trickleServer(t)
	sup := newTestSupervisor(t, nil)

	// Start and Remove race on a Pending download. Exactly one side
	// must win: a started download stays visible in the collection,
	// a removed one must never start.
	for i := 0; i < 100; i++ {
		d, err := sup.Add(srv.URL + "/race" + strconv.Itoa(i) + ".bin")
		require.NoError(t, err)

		var startErr, removeErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			startErr = sup.Start(d.ID)
		}()
		go func() {
			defer wg.Done()
			removeErr = sup.Remove(d.ID)
		}()
		wg.Wait()

		require.False(t, startErr == nil && removeErr == nil,
			"download %s started and was removed in the same race", d.ID)

		if startErr == nil {
			got, err := sup.Get(d.ID)
			require.NoError(t, err, "started download must stay visible")
			require.Equal(t, core.StateRunning, got.State)
			require.NoError(t, sup.Cancel(d.ID))
			continue
		}
		_, err = sup.Get(d.ID)
		require.Error(t, err, "removed download must be gone")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
}

func TestSupervisorClear(t *testing.T) {
	t.Parallel()

	srv := trickleServer(t)
	sup := newTestSupervisor(t, nil)

	d, err := sup.Add(srv.URL + "/file.bin")
	require.NoError(t, err)
	require.NoError(t, sup.Start(d.ID))

	require.Eventually(t, func() bool {
		got, err := sup.Get(d.ID)
		return err == nil && got.State == core.StateRunning
	}, waitTimeout, 10*time.Millisecond)

	require.Error(t, sup.Clear(), "clear must refuse while running")

	require.NoError(t, sup.Cancel(d.ID))
	require.Eventually(t, func() bool {
		got, err := sup.Get(d.ID)
		return err == nil && got.State.IsTerminal()
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, sup.Clear())
	require.Empty(t, sup.List())
}

func TestSupervisorDuplicateFilename(t *testing.T) {
	t.Parallel()

	srv := trickleServer(t)
	sup := newTestSupervisor(t, nil)

	a, err := sup.Add(srv.URL + "/same.bin")
	require.NoError(t, err)
	b, err := sup.Add(srv.URL + "/same.bin")
	require.NoError(t, err)
	require.Equal(t, a.DestPath, b.DestPath)

	require.Equal(t, 2, sup.StartAll())

	// exactly one of them owns the file; the other fails on open
	require.Eventually(t, func() bool {
		states := map[core.State]int{}
		for _, d := range sup.List() {
			states[d.State]++
		}
		return states[core.StateFailed] == 1 && states[core.StateRunning] == 1
	}, waitTimeout, 10*time.Millisecond)

	require.Equal(t, 1, sup.CancelAll())
	require.Eventually(t, func() bool {
		for _, d := range sup.List() {
			if !d.State.IsTerminal() {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)
}

func TestSupervisorMaxConcurrent(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			if p := peak.Load(); n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		fl := w.(http.Flusher)
		for i := 0; i < 20; i++ {
			if _, err := w.Write(make([]byte, 512)); err != nil {
				return
			}
			fl.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	sup := newTestSupervisor(t, &SupervisorOptions{MaxConcurrent: 2})
	for i := 0; i < 5; i++ {
		_, err := sup.Add(srv.URL + "/f" + string(rune('a'+i)) + ".bin")
		require.NoError(t, err)
	}

	require.Equal(t, 5, sup.StartAll())

	require.Eventually(t, func() bool {
		for _, d := range sup.List() {
			if !d.State.IsTerminal() {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)

	require.LessOrEqual(t, peak.Load(), int32(2))
	for _, d := range sup.List() {
		require.Equal(t, core.StateCompleted, d.State)
	}
}

func TestSupervisorHistoryRecorded(t *testing.T) {
	t.Parallel()

	srv := fixedBodyServer(t, []byte("journal me"))
	hist := storage.NewMemoryHistoryStore()
	sup := newTestSupervisor(t, &SupervisorOptions{History: hist})

	d, err := sup.Add(srv.URL + "/keep.bin")
	require.NoError(t, err)
	require.NoError(t, sup.Start(d.ID))

	require.Eventually(t, func() bool {
		recs, err := hist.List(context.Background())
		return err == nil && len(recs) == 1
	}, waitTimeout, 10*time.Millisecond)

	recs, err := hist.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, d.ID, recs[0].ID)
	require.Equal(t, "keep.bin", recs[0].Filename)
	require.Equal(t, string(core.StateCompleted), recs[0].State)
	require.Equal(t, int64(len("journal me")), recs[0].Bytes)
	require.False(t, recs[0].FinishedAt.IsZero())
}

func TestSupervisorShutdown(t *testing.T) {
	t.Parallel()

	srv := trickleServer(t)
	sup := newTestSupervisor(t, nil)

	for i := 0; i < 3; i++ {
		_, err := sup.Add(srv.URL + "/s" + string(rune('a'+i)) + ".bin")
		require.NoError(t, err)
	}
	require.Equal(t, 3, sup.StartAll())

	require.Eventually(t, func() bool {
		for _, d := range sup.List() {
			if d.BytesDownloaded == 0 {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))

	for _, d := range sup.List() {
		require.Equal(t, core.StateInterrupted, d.State)
	}
}

func TestSupervisorPerDownloadEventOrder(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(8192)
	srv := fixedBodyServer(t, make([]byte, 5000))
	sup := newTestSupervisor(t, &SupervisorOptions{Bus: bus})

	a, err := sup.Add(srv.URL + "/a.bin")
	require.NoError(t, err)
	b, err := sup.Add(srv.URL + "/b.bin")
	require.NoError(t, err)

	require.Equal(t, 2, sup.StartAll())
	require.Eventually(t, func() bool {
		for _, d := range sup.List() {
			if !d.State.IsTerminal() {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)

	lastBytes := map[string]int64{}
	terminal := map[string]bool{}
	for _, ev := range bus.Poll(0) {
		require.Contains(t, []string{a.ID, b.ID}, ev.DownloadID)
		require.False(t, terminal[ev.DownloadID], "terminal must be the last event")
		if ev.Kind == event.KindProgress {
			require.Greater(t, ev.Bytes, lastBytes[ev.DownloadID])
			lastBytes[ev.DownloadID] = ev.Bytes
			continue
		}
		require.Equal(t, event.KindCompleted, ev.Kind)
		terminal[ev.DownloadID] = true
	}
	require.True(t, terminal[a.ID])
	require.True(t, terminal[b.ID])
}
