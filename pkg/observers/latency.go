package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/speechwire/pkg/metrics"
)

// defaultMaxTraces bounds how many unfinished streams are tracked.
const defaultMaxTraces = 4096

// LatencyObserver summarises each supervised stream when it ends: time from
// the first session open to the first final, total duration, reconnects and
// lost chunks.
type LatencyObserver struct {
	mu        sync.Mutex
	traces    map[string]*trace
	log       *slog.Logger
	maxTraces int
}

type trace struct {
	opened     time.Time
	firstFinal time.Time
	finals     int
	reconnects int
	lostChunks uint64
	backend    string
}

// Summary is the per-stream record logged as stt_stream_latency.
type Summary struct {
	StreamID     string
	Backend      string
	Outcome      string
	FirstFinalMS int64
	DurationMS   int64
	Finals       int
	Reconnects   int
	LostChunks   uint64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces:    make(map[string]*trace),
		log:       log,
		maxTraces: defaultMaxTraces,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ev.Tags["stream_id"]
	if streamID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[streamID]
	if t == nil {
		if len(o.traces) >= o.maxTraces {
			o.mu.Unlock()
			return
		}
		t = &trace{backend: ev.Tags["backend"]}
		o.traces[streamID] = t
	}
	switch ev.Name {
	case metrics.EventSessionOpen:
		if t.opened.IsZero() {
			t.opened = ev.Time
		}
	case metrics.EventFinal:
		t.finals++
		if t.firstFinal.IsZero() {
			t.firstFinal = ev.Time
		}
	case metrics.EventReconnect:
		t.reconnects++
	case metrics.EventDataLoss:
		if n, ok := ev.Fields["chunks"].(uint64); ok {
			t.lostChunks += n
		}
	case metrics.EventSessionClose, metrics.EventSessionFailed:
		if ev.Tags["layer"] != "stream" {
			break
		}
		delete(o.traces, streamID)
		o.mu.Unlock()
		outcome := "closed"
		if ev.Name == metrics.EventSessionFailed {
			outcome = "failed"
		}
		o.logSummary(summarize(streamID, outcome, t, ev.Time))
		return
	}
	o.mu.Unlock()
}

// Pending reports how many streams are still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func summarize(streamID, outcome string, t *trace, end time.Time) Summary {
	return Summary{
		StreamID:     streamID,
		Backend:      t.backend,
		Outcome:      outcome,
		FirstFinalMS: durationMs(t.opened, t.firstFinal),
		DurationMS:   durationMs(t.opened, end),
		Finals:       t.finals,
		Reconnects:   t.reconnects,
		LostChunks:   t.lostChunks,
	}
}

func (o *LatencyObserver) logSummary(s Summary) {
	o.log.Info("stt_stream_latency",
		"stream_id", s.StreamID,
		"backend", s.Backend,
		"outcome", s.Outcome,
		"first_final_ms", s.FirstFinalMS,
		"duration_ms", s.DurationMS,
		"finals", s.Finals,
		"reconnects", s.Reconnects,
		"lost_chunks", s.LostChunks,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
