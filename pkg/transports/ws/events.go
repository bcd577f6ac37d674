package ws

import "github.com/harunnryd/speechwire/pkg/stt"

type inEvent struct {
	Event  string      `json:"event"`
	Config *stt.Config `json:"config,omitempty"`
}

type outEvent struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	Index      *int    `json:"index,omitempty"`
	Text       string  `json:"text,omitempty"`
	Final      bool    `json:"final,omitempty"`
	Stability  float64 `json:"stability,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	FromSeq uint64 `json:"from_seq,omitempty"`
	ToSeq   uint64 `json:"to_seq,omitempty"`
	Chunks  uint64 `json:"chunks,omitempty"`

	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func toOutEvent(ev stt.Event) outEvent {
	if ev.Kind == stt.EventDataLoss && ev.Loss != nil {
		return outEvent{
			Event:   "data_loss",
			FromSeq: ev.Loss.FromSeq,
			ToSeq:   ev.Loss.ToSeq,
			Chunks:  ev.Loss.Chunks,
		}
	}
	idx := ev.Result.ResultIndex
	return outEvent{
		Event:      "result",
		Index:      &idx,
		Text:       ev.Result.Text,
		Final:      ev.Result.IsFinal,
		Stability:  ev.Result.Stability,
		Confidence: ev.Result.Confidence,
	}
}
