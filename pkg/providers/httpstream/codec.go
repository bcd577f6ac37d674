package httpstream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/stt"
)

type configFrame struct {
	Config wireConfig `json:"config"`
}

type wireConfig struct {
	Encoding       string            `json:"encoding"`
	SampleRate     int               `json:"sample_rate"`
	Language       string            `json:"language"`
	InterimResults bool              `json:"interim_results"`
	Channels       int               `json:"channels,omitempty"`
	Model          string            `json:"model,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

type audioFrame struct {
	Seq   uint64 `json:"seq"`
	Audio string `json:"audio"`
}

type eosFrame struct {
	EOS bool `json:"eos"`
}

type resultFrame struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Stability  float64 `json:"stability"`
	Confidence float64 `json:"confidence"`
}

type errorFrame struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

type inboundFrame struct {
	Ack    *uint64      `json:"ack,omitempty"`
	Result *resultFrame `json:"result,omitempty"`
	Error  *errorFrame  `json:"error,omitempty"`
	Done   bool         `json:"done,omitempty"`
}

func line(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func encodeConfig(cfg stt.Config, model string) ([]byte, error) {
	if cfg.Model != "" {
		model = cfg.Model
	}
	return line(configFrame{Config: wireConfig{
		Encoding:       cfg.Encoding,
		SampleRate:     cfg.SampleRate,
		Language:       cfg.Language,
		InterimResults: cfg.InterimResults,
		Channels:       cfg.ChannelCount,
		Model:          model,
		Extra:          cfg.Extra,
	}})
}

func encodeAudio(chunk stt.AudioChunk) ([]byte, error) {
	return line(audioFrame{Seq: chunk.Seq, Audio: base64.StdEncoding.EncodeToString(chunk.Data)})
}

func encodeEOS() []byte {
	b, _ := line(eosFrame{EOS: true})
	return b
}

// decodeFrame parses one response line. ok is false for lines that carry
// nothing this client understands.
func decodeFrame(raw []byte) (msg stt.Message, ok bool, err error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return stt.Message{}, false, errorsx.New(errorsx.KindProtocol, "decode", fmt.Errorf("malformed frame: %w", err))
	}
	if f.Error != nil {
		return stt.Message{}, false, mapRemoteError(*f.Error)
	}
	if f.Ack != nil {
		msg.AckSeq = *f.Ack
		ok = true
	}
	if f.Result != nil {
		if f.Result.Index < 0 {
			return stt.Message{}, false, errorsx.Newf(errorsx.KindProtocol, "decode", "negative result index %d", f.Result.Index)
		}
		msg.Results = append(msg.Results, stt.Result{
			Text:        f.Result.Text,
			IsFinal:     f.Result.Final,
			Stability:   f.Result.Stability,
			Confidence:  f.Result.Confidence,
			ResultIndex: f.Result.Index,
		})
		ok = true
	}
	if f.Done {
		msg.Done = true
		ok = true
	}
	return msg, ok, nil
}

func mapRemoteError(f errorFrame) error {
	err := errors.New(strings.TrimSpace(f.Code + ": " + f.Message))
	switch strings.ToLower(f.Code) {
	case "unauthenticated", "unauthorized", "forbidden", "token_expired":
		return &errorsx.Error{Kind: errorsx.KindAuth, Op: "recv", Refreshable: true, Err: err}
	case "quota", "quota_exceeded", "rate_limited", "resource_exhausted":
		return &errorsx.Error{Kind: errorsx.KindQuota, Op: "recv", RetryAfter: time.Duration(f.RetryAfterMS) * time.Millisecond, Err: err}
	case "unavailable", "timeout", "session_expired":
		return errorsx.New(errorsx.KindDisconnect, "recv", err)
	default:
		return errorsx.New(errorsx.KindProtocol, "recv", err)
	}
}

// mapStatus classifies a non-2xx response to the streaming request.
func mapStatus(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("http status %d: %s", resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &errorsx.Error{Kind: errorsx.KindAuth, Op: "dial", Refreshable: true, Err: err}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &errorsx.Error{Kind: errorsx.KindQuota, Op: "dial", RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now()), Err: err}
	case resp.StatusCode >= 500:
		return errorsx.New(errorsx.KindConnect, "dial", err)
	default:
		return errorsx.New(errorsx.KindProtocol, "dial", err)
	}
}

func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
