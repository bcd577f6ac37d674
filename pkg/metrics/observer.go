package metrics

import "time"

const (
	EventSessionOpen   = "stt_session_open"
	EventSessionClose  = "stt_session_close"
	EventSessionFailed = "stt_session_failed"
	EventReconnect     = "stt_reconnect"
	EventDataLoss      = "stt_data_loss"
	EventFinal         = "stt_final"
	EventRateLimit     = "stt_rate_limit"
	EventBreakerOpen   = "stt_breaker_open"
	EventBreakerClose  = "stt_breaker_close"
	EventTokenRefresh  = "credential_refresh"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record emits a counter-style event; a nil observer is ignored.
func Record(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  1,
		Tags:   tags,
		Fields: fields,
	})
}
