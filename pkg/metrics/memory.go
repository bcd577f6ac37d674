package metrics

import "sync"

// MemoryObserver keeps every event in memory. Tests use it to assert on what
// a component reported.
type MemoryObserver struct {
	mu     sync.Mutex
	events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events, optionally filtered by name.
func (m *MemoryObserver) Events(names ...string) []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsEvent, 0, len(m.events))
	for _, ev := range m.events {
		if len(names) == 0 || containsName(names, ev.Name) {
			out = append(out, ev)
		}
	}
	return out
}

func (m *MemoryObserver) Count(name string) int {
	return len(m.Events(name))
}

func (m *MemoryObserver) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
