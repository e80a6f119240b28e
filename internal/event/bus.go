package event

import (
	"context"
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("event: bus closed")

const defaultMaxQueue = 1024

// Bus is the hand-off between concurrently running engines and the
// single consuming side. Publish never blocks: producers append under a
// short-held mutex, so a slow consumer can never stall an engine.
//
// When the queue is saturated, Progress events are coalesced or dropped
// oldest-first. Terminal events are never dropped. Per-download FIFO
// order is preserved in all cases; nothing is promised across
// different downloads.
type Bus struct {
	mu       sync.Mutex
	queue    []Event
	maxQueue int
	closed   bool

	notify chan struct{}
}

func NewBus(maxQueue int) *Bus {
	if maxQueue <= 0 {
		maxQueue = defaultMaxQueue
	}
	return &Bus{
		maxQueue: maxQueue,
		notify:   make(chan struct{}, 1),
	}
}

// Publish enqueues an event. Progress events may be coalesced with the
// newest queued Progress event of the same download; terminal events
// are always appended.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if !ev.Kind.Terminal() {
		for i := len(b.queue) - 1; i >= 0; i-- {
			if b.queue[i].DownloadID != ev.DownloadID {
				continue
			}
			if b.queue[i].Kind == KindProgress {
				b.queue[i] = ev
				b.wake()
				return
			}
			break
		}
		if len(b.queue) >= b.maxQueue && !b.dropOldestProgress() {
			// queue full of terminals only; progress is expendable
			return
		}
	}

	b.queue = append(b.queue, ev)
	b.wake()
}

// Next blocks until an event is available, the context is done, or the
// bus is closed and drained.
func (b *Bus) Next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return ev, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return Event{}, ErrBusClosed
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-b.notify:
		}
	}
}

// Poll drains up to max queued events without blocking.
func (b *Bus) Poll(max int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if max <= 0 || max > len(b.queue) {
		max = len(b.queue)
	}
	if max == 0 {
		return nil
	}
	res := make([]Event, max)
	copy(res, b.queue[:max])
	b.queue = append(b.queue[:0:0], b.queue[max:]...)
	return res
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops accepting events. Queued events stay consumable.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

// wake nudges a blocked consumer. Callers hold b.mu except Close.
func (b *Bus) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// dropOldestProgress removes the first queued Progress event. Removal
// keeps the relative order of everything else, so per-download FIFO
// still holds. Returns false when only terminal events are queued.
func (b *Bus) dropOldestProgress() bool {
	for i, ev := range b.queue {
		if ev.Kind == KindProgress {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}
