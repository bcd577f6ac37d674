package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/harunnryd/speechwire/pkg/configutil"
	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/stt"
	"github.com/harunnryd/speechwire/pkg/transport"
	"google.golang.org/grpc/metadata"
)

const DefaultEndpoint = "speech.googleapis.com:443"

type Settings struct {
	Model           string   `mapstructure:"model"`
	UseEnhanced     bool     `mapstructure:"use_enhanced"`
	Punctuation     bool     `mapstructure:"punctuation"`
	ProfanityFilter bool     `mapstructure:"profanity_filter"`
	SingleUtterance bool     `mapstructure:"single_utterance"`
	MaxAlternatives int      `mapstructure:"max_alternatives"`
	Phrases         []string `mapstructure:"phrases"`
	// UserProject is sent as x-goog-user-project for quota attribution.
	UserProject string `mapstructure:"user_project"`
}

var SettingsSchema = configutil.Schema{
	Optional: []string{"model", "use_enhanced", "punctuation", "profanity_filter", "single_utterance", "max_alternatives", "phrases", "user_project"},
}

// ParseSettings validates and decodes a backend settings map.
func ParseSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.ValidateSettings(raw, SettingsSchema); err != nil {
		return s, err
	}
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return s, err
	}
	return s, nil
}

// Adapter speaks Cloud Speech v1 StreamingRecognize over a pooled gRPC channel.
type Adapter struct {
	settings Settings
}

func New(settings Settings) *Adapter {
	return &Adapter{settings: settings}
}

func (a *Adapter) Name() string                { return "google" }
func (a *Adapter) ChannelKind() transport.Kind { return transport.KindGRPC }

func (a *Adapter) Dial(ctx context.Context, ch *transport.Channel, cred credentials.Credential, cfg stt.Config) (stt.WireStream, error) {
	if ch == nil || ch.GRPC() == nil {
		return nil, errorsx.New(errorsx.KindConnect, "dial", errors.New("google adapter needs a grpc channel"))
	}
	first, err := encodeConfig(cfg, a.settings)
	if err != nil {
		return nil, err
	}

	md := []string{"authorization", cred.Bearer()}
	if a.settings.UserProject != "" {
		md = append(md, "x-goog-user-project", a.settings.UserProject)
	}
	sctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx, md...))
	stream, err := speechpb.NewSpeechClient(ch.GRPC()).StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, mapStatus(err, "dial")
	}
	if err := stream.Send(first); err != nil {
		defer cancel()
		if errors.Is(err, io.EOF) {
			// The call already ended; Recv carries its status.
			_, rerr := stream.Recv()
			return nil, mapStatus(rerr, "dial")
		}
		return nil, mapStatus(err, "dial")
	}
	return &wireStream{
		stream: stream,
		cancel: cancel,
		bps:    int64(cfg.BytesPerSecond()),
	}, nil
}

type sentMark struct {
	seq uint64
	end int64
}

type wireStream struct {
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	bps    int64
	dec    decoder

	mu    sync.Mutex
	bytes int64
	marks []sentMark
}

func (w *wireStream) Send(chunk stt.AudioChunk) error {
	if err := w.stream.Send(encodeAudio(chunk)); err != nil {
		if errors.Is(err, io.EOF) {
			return errorsx.New(errorsx.KindDisconnect, "send", errors.New("stream closed by remote"))
		}
		return mapStatus(err, "send")
	}
	w.mu.Lock()
	w.bytes += int64(len(chunk.Data))
	w.marks = append(w.marks, sentMark{seq: chunk.Seq, end: w.bytes})
	w.mu.Unlock()
	return nil
}

func (w *wireStream) CloseSend() error {
	if err := w.stream.CloseSend(); err != nil {
		return mapStatus(err, "close send")
	}
	return nil
}

func (w *wireStream) Recv() (stt.Message, error) {
	for {
		resp, err := w.stream.Recv()
		if errors.Is(err, io.EOF) {
			return stt.Message{}, io.EOF
		}
		if err != nil {
			return stt.Message{}, mapStatus(err, "recv")
		}
		results, finalized, err := w.dec.decode(resp)
		if err != nil {
			return stt.Message{}, err
		}
		msg := stt.Message{Results: results, AckSeq: w.ackFor(finalized)}
		if len(msg.Results) == 0 && msg.AckSeq == 0 {
			continue
		}
		return msg, nil
	}
}

// ackFor maps finalized audio time to the last chunk fully covered by it.
func (w *wireStream) ackFor(finalized time.Duration) uint64 {
	if finalized <= 0 || w.bps <= 0 {
		return 0
	}
	covered := int64(finalized) * w.bps / int64(time.Second)

	w.mu.Lock()
	defer w.mu.Unlock()
	var seq uint64
	n := 0
	for _, m := range w.marks {
		if m.end > covered {
			break
		}
		seq = m.seq
		n++
	}
	w.marks = w.marks[n:]
	return seq
}

func (w *wireStream) Close() error {
	w.cancel()
	return nil
}
