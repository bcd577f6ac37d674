package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/speechwire/pkg/errorsx"
)

// Snapshot is a point-in-time view of stream health.
type Snapshot struct {
	StartedAt      time.Time        `json:"started_at"`
	StreamsStarted int64            `json:"streams_started"`
	StreamsActive  int64            `json:"streams_active"`
	StreamsFailed  int64            `json:"streams_failed"`
	Reconnects     int64            `json:"reconnects"`
	DataLossEvents int64            `json:"data_loss_events"`
	ChunksLost     int64            `json:"chunks_lost"`
	Busy           int64            `json:"busy"`
	Errors         map[string]int64 `json:"errors"`
	// ErrorRate is failed streams over started streams.
	ErrorRate float64 `json:"error_rate"`
}

// Tracker counts stream lifecycle events. A nil Tracker ignores everything.
type Tracker struct {
	startedAt  time.Time
	started    atomic.Int64
	active     atomic.Int64
	failed     atomic.Int64
	reconnects atomic.Int64
	dataLoss   atomic.Int64
	chunksLost atomic.Int64
	busy       atomic.Int64

	mu     sync.Mutex
	errors map[errorsx.Kind]int64
}

func NewTracker() *Tracker {
	return &Tracker{startedAt: time.Now(), errors: make(map[errorsx.Kind]int64)}
}

func (t *Tracker) StreamStarted() {
	if t == nil {
		return
	}
	t.started.Add(1)
	t.active.Add(1)
}

// StreamEnded records the end of a stream; a non-nil err counts as failed.
func (t *Tracker) StreamEnded(err error) {
	if t == nil {
		return
	}
	t.active.Add(-1)
	if err != nil {
		t.failed.Add(1)
	}
}

func (t *Tracker) Reconnected() {
	if t == nil {
		return
	}
	t.reconnects.Add(1)
}

func (t *Tracker) DataLoss(chunks uint64) {
	if t == nil {
		return
	}
	t.dataLoss.Add(1)
	t.chunksLost.Add(int64(chunks))
}

// Error counts one classified failure, including ones recovered from.
func (t *Tracker) Error(err error) {
	if t == nil || err == nil {
		return
	}
	kind := errorsx.KindOf(err)
	t.mu.Lock()
	t.errors[kind]++
	t.mu.Unlock()
}

// Busy marks one unit of in-flight work until the returned func is called.
func (t *Tracker) Busy() func() {
	if t == nil {
		return func() {}
	}
	t.busy.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { t.busy.Add(-1) })
	}
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{Errors: map[string]int64{}}
	}
	s := Snapshot{
		StartedAt:      t.startedAt,
		StreamsStarted: t.started.Load(),
		StreamsActive:  t.active.Load(),
		StreamsFailed:  t.failed.Load(),
		Reconnects:     t.reconnects.Load(),
		DataLossEvents: t.dataLoss.Load(),
		ChunksLost:     t.chunksLost.Load(),
		Busy:           t.busy.Load(),
		Errors:         make(map[string]int64),
	}
	t.mu.Lock()
	for k, v := range t.errors {
		s.Errors[k.String()] = v
	}
	t.mu.Unlock()
	if s.StreamsStarted > 0 {
		s.ErrorRate = float64(s.StreamsFailed) / float64(s.StreamsStarted)
	}
	return s
}
