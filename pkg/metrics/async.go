package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to a slower sink on its own goroutine so that
// session receive loops never wait on disk. A full buffer drops the event.
type AsyncObserver struct {
	inner Observer
	queue chan MetricsEvent
	quit  chan struct{}
	done  chan struct{}

	stopping atomic.Bool
	dropped  atomic.Int64
	stopOnce sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		queue: make(chan MetricsEvent, buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.stopping.Load() {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped is the number of events lost to a full buffer.
func (a *AsyncObserver) Dropped() int64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// Close rejects further events and returns once the queued ones have been
// delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.stopOnce.Do(func() {
		a.stopping.Store(true)
		close(a.quit)
	})
	<-a.done
}

// Flush flushes the sink when it buffers. Call it after Close.
func (a *AsyncObserver) Flush() error {
	if a == nil {
		return nil
	}
	if f, ok := a.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.queue:
			a.inner.RecordEvent(ev)
		case <-a.quit:
			for {
				select {
				case ev := <-a.queue:
					a.inner.RecordEvent(ev)
				default:
					return
				}
			}
		}
	}
}
