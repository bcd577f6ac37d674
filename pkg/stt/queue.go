package stt

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrQueueClosed = errors.New("stt queue closed")

const DefaultQueueSize = 64

// Queue is the bounded output sequence of a session. Push blocks while the
// queue is full. An interim result replaces an unread interim for the same
// index instead of taking a new slot; finals and advisories always append.
type Queue struct {
	mu      sync.Mutex
	items   []Event
	size    int
	closed  bool
	err     error
	changed chan struct{}
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{size: size, changed: make(chan struct{})}
}

// signal wakes every waiter. Must be called with mu held.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) Push(ctx context.Context, ev Event) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.coalesce(ev) {
			q.signal()
			q.mu.Unlock()
			return nil
		}
		if len(q.items) < q.size {
			q.items = append(q.items, ev)
			q.signal()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) coalesce(ev Event) bool {
	if ev.Kind != EventResult || ev.Result.IsFinal || len(q.items) == 0 {
		return false
	}
	last := &q.items[len(q.items)-1]
	if last.Kind != EventResult || last.Result.IsFinal || last.Result.ResultIndex != ev.Result.ResultIndex {
		return false
	}
	*last = ev
	return true
}

// Pop returns the next event. After Close it drains what remains and then
// returns the close error, or io.EOF for a clean close.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.signal()
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Event{}, err
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close ends the sequence. The first call wins.
func (q *Queue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.signal()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
