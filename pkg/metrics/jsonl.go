package metrics

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/harunnryd/speechwire/pkg/redact"
)

// JSONLObserver appends one JSON object per event to a writer. Output is
// buffered; call Flush before the writer is closed.
type JSONLObserver struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
	err error
}

type jsonlRecord struct {
	Name   string            `json:"name"`
	TS     string            `json:"ts"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	return &JSONLObserver{buf: buf, enc: json.NewEncoder(buf)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	rec := jsonlRecord{
		Name:   ev.Name,
		TS:     ev.Time.UTC().Format(time.RFC3339Nano),
		Value:  ev.Value,
		Tags:   ev.Tags,
		Fields: scrubFields(ev.Fields),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return
	}
	o.err = o.enc.Encode(rec)
}

// Flush writes buffered lines and reports the first write error seen.
func (o *JSONLObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.buf.Flush(); err != nil && o.err == nil {
		o.err = err
	}
	return o.err
}

// scrubFields clips transcript text so metrics files never carry a full
// utterance.
func scrubFields(fields map[string]any) map[string]any {
	text, ok := fields["text"].(string)
	if !ok {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	out["text"] = redact.Transcript(text)
	return out
}
