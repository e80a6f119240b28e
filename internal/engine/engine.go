package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/god233012yamil/fetchd/internal/core"
	"github.com/god233012yamil/fetchd/internal/event"
	"go.uber.org/zap"
)

const defaultChunkSize = 4096

// CancelFlag is the cooperative cancellation signal for one run.
// It only ever moves false -> true; a new run gets a new flag.
type CancelFlag struct {
	set atomic.Bool
}

func (f *CancelFlag) Set() {
	f.set.Store(true)
}

func (f *CancelFlag) IsSet() bool {
	return f.set.Load()
}

// Sink receives the events of one run. Implementations must not block:
// the engine calls Emit from its transfer loop.
type Sink interface {
	Emit(ev event.Event)
}

type Config struct {
	Client *http.Client

	UserAgent string
	ChunkSize int
}

// Engine performs one HTTP GET-and-stream operation per Run call,
// reading the body in bounded chunks and honoring the cancel flag at
// each chunk boundary.
type Engine struct {
	client *http.Client
	logger *zap.Logger

	userAgent string
	chunkSize int
}

func New(cfg *Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: required config")
	}
	if cfg.Client == nil {
		return nil, errors.New("engine: required http client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	return &Engine{
		client:    cfg.Client,
		logger:    logger,
		userAgent: cfg.UserAgent,
		chunkSize: chunk,
	}, nil
}

// RunSpec names one transfer: where from, where to, and which download
// identity the emitted events carry.
type RunSpec struct {
	DownloadID string
	URL        string
	DestPath   string
}

// Run streams spec.URL into spec.DestPath. It emits zero or more
// Progress events and exactly one terminal event, always last. The
// destination file exists afterwards only on Completed; on Failed and
// Interrupted a partial file is removed.
func (e *Engine) Run(ctx context.Context, spec RunSpec, flag *CancelFlag, sink Sink) {
	if flag.IsSet() {
		e.emitTerminal(sink, spec, event.KindInterrupted, 0, core.TotalUnknown, "")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		e.emitTerminal(sink, spec, event.KindFailed, 0, core.TotalUnknown,
			fmt.Sprintf("create request: %v", err))
		return
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.emitTerminal(sink, spec, event.KindFailed, 0, core.TotalUnknown,
			fmt.Sprintf("http request: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		e.emitTerminal(sink, spec, event.KindFailed, 0, core.TotalUnknown,
			fmt.Sprintf("bad response status %d", resp.StatusCode))
		return
	}

	// -1 when the server omits Content-Length or chunk-encodes.
	total := resp.ContentLength
	if total < 0 {
		total = core.TotalUnknown
	}

	// O_EXCL: the destination is owned exclusively by this run. A
	// second download racing to the same path fails here instead of
	// corrupting the file.
	f, err := os.OpenFile(spec.DestPath,
		os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644,
	)
	if err != nil {
		e.emitTerminal(sink, spec, event.KindFailed, 0, total,
			fmt.Sprintf("open destination: %v", err))
		return
	}

	var written int64
	buf := make([]byte, e.chunkSize)
	for {
		if flag.IsSet() {
			e.discard(f, spec)
			e.emitTerminal(sink, spec, event.KindInterrupted, written, total, "")
			return
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				e.discard(f, spec)
				e.emitTerminal(sink, spec, event.KindFailed, written, total,
					fmt.Sprintf("write chunk: %v", werr))
				return
			}
			written += int64(n)
			sink.Emit(event.Event{
				DownloadID: spec.DownloadID,
				Kind:       event.KindProgress,
				Bytes:      written,
				Total:      total,
				Percent:    core.PercentOf(written, total),
				At:         time.Now().UTC(),
			})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			e.discard(f, spec)
			if flag.IsSet() || errors.Is(rerr, context.Canceled) {
				e.emitTerminal(sink, spec, event.KindInterrupted, written, total, "")
				return
			}
			e.emitTerminal(sink, spec, event.KindFailed, written, total,
				fmt.Sprintf("read body: %v", rerr))
			return
		}
	}

	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		e.removePartial(spec)
		e.emitTerminal(sink, spec, event.KindFailed, written, total,
			fmt.Sprintf("sync file: %v", syncErr))
		return
	}
	if closeErr != nil {
		e.removePartial(spec)
		e.emitTerminal(sink, spec, event.KindFailed, written, total,
			fmt.Sprintf("closing file: %v", closeErr))
		return
	}

	e.emitTerminal(sink, spec, event.KindCompleted, written, total, "")
}

func (e *Engine) emitTerminal(
	sink Sink,
	spec RunSpec,
	kind event.Kind,
	bytes, total int64,
	msg string,
) {
	var percent *int
	if kind == event.KindCompleted && total > 0 {
		p := 100
		percent = &p
	} else {
		percent = core.PercentOf(bytes, total)
	}
	sink.Emit(event.Event{
		DownloadID: spec.DownloadID,
		Kind:       kind,
		Bytes:      bytes,
		Total:      total,
		Percent:    percent,
		Message:    msg,
		At:         time.Now().UTC(),
	})
}

// discard closes and removes a partial file. Cleanup failures are
// reported but never mask the terminal outcome.
func (e *Engine) discard(f *os.File, spec RunSpec) {
	if err := f.Close(); err != nil {
		e.logger.Warn("close partial file",
			zap.String("download_id", spec.DownloadID),
			zap.String("path", spec.DestPath),
			zap.Error(err),
		)
	}
	e.removePartial(spec)
}

func (e *Engine) removePartial(spec RunSpec) {
	if err := os.Remove(spec.DestPath); err != nil {
		e.logger.Warn("remove partial file",
			zap.String("download_id", spec.DownloadID),
			zap.String("path", spec.DestPath),
			zap.Error(err),
		)
	}
}
