package metrics

import (
	"hash/fnv"
	"math"
	"sync/atomic"
)

const sampleBuckets = 10000

// SamplingObserver forwards a share of events to inner. Events tagged with a
// stream_id are sampled per stream, so a kept stream keeps all its events.
// Untagged events are sampled by count. Names in always bypass sampling.
type SamplingObserver struct {
	inner     Observer
	threshold uint32
	every     uint64
	seen      atomic.Uint64
	always    map[string]bool
}

func NewSamplingObserver(inner Observer, rate float64, always ...string) *SamplingObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	rate = math.Max(0, math.Min(1, rate))
	s := &SamplingObserver{
		inner:     inner,
		threshold: uint32(math.Round(rate * sampleBuckets)),
		always:    make(map[string]bool, len(always)),
	}
	if rate > 0 {
		s.every = uint64(math.Max(1, math.Round(1/rate)))
	}
	for _, name := range always {
		s.always[name] = true
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.always[ev.Name] || s.keep(ev) {
		s.inner.RecordEvent(ev)
	}
}

func (s *SamplingObserver) keep(ev MetricsEvent) bool {
	switch {
	case s.threshold == 0:
		return false
	case s.threshold >= sampleBuckets:
		return true
	}
	if id := ev.Tags["stream_id"]; id != "" {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		return h.Sum32()%sampleBuckets < s.threshold
	}
	return s.seen.Add(1)%s.every == 0
}
