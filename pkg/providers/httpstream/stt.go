package httpstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/harunnryd/speechwire/pkg/configutil"
	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/stt"
	"github.com/harunnryd/speechwire/pkg/transport"
)

const (
	contentType  = "application/x-ndjson"
	maxLineBytes = 1 << 20
)

var errAborted = errors.New("stream aborted")

type Settings struct {
	Model   string            `mapstructure:"model"`
	Headers map[string]string `mapstructure:"headers"`
}

var SettingsSchema = configutil.Schema{Optional: []string{"model", "headers"}}

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

// Adapter streams NDJSON frames over one long-lived chunked HTTPS request,
// authenticated with a JWT bearer.
type Adapter struct {
	settings Settings
}

func New(settings Settings) *Adapter {
	return &Adapter{settings: settings}
}

func (a *Adapter) Name() string                { return "httpstream" }
func (a *Adapter) ChannelKind() transport.Kind { return transport.KindHTTP }

type doResult struct {
	resp *http.Response
	err  error
}

func (a *Adapter) Dial(ctx context.Context, ch *transport.Channel, cred credentials.Credential, cfg stt.Config) (stt.WireStream, error) {
	if ch == nil || ch.HTTP() == nil {
		return nil, errorsx.New(errorsx.KindConnect, "dial", errors.New("httpstream adapter needs an http channel"))
	}
	first, err := encodeConfig(cfg, a.settings.Model)
	if err != nil {
		return nil, errorsx.New(errorsx.KindProtocol, "encode config", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, ch.Endpoint(), pr)
	if err != nil {
		cancel()
		return nil, errorsx.New(errorsx.KindProtocol, "dial", err)
	}
	req.Header.Set("Authorization", cred.Bearer())
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	for k, v := range a.settings.Headers {
		req.Header.Set(k, v)
	}

	results := make(chan doResult, 1)
	go func() {
		resp, err := ch.HTTP().Do(req)
		results <- doResult{resp: resp, err: err}
	}()
	wrote := make(chan error, 1)
	go func() {
		_, err := pw.Write(first)
		wrote <- err
	}()

	var r doResult
	select {
	case r = <-results:
	case <-ctx.Done():
		cancel()
		_ = pw.CloseWithError(errAborted)
		return nil, ctx.Err()
	}
	if r.err != nil {
		cancel()
		_ = pw.CloseWithError(errAborted)
		return nil, errorsx.New(errorsx.KindConnect, "dial", r.err)
	}
	if r.resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(r.resp.Body, 4096))
		_ = r.resp.Body.Close()
		cancel()
		_ = pw.CloseWithError(errAborted)
		return nil, mapStatus(r.resp, body)
	}
	if err := <-wrote; err != nil {
		_ = r.resp.Body.Close()
		cancel()
		return nil, errorsx.New(errorsx.KindDisconnect, "dial", err)
	}

	scanner := bufio.NewScanner(r.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &wireStream{
		ctx:     sctx,
		cancel:  cancel,
		body:    pw,
		resp:    r.resp,
		scanner: scanner,
	}, nil
}

type wireStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	body    *io.PipeWriter
	resp    *http.Response
	scanner *bufio.Scanner
}

func (w *wireStream) Send(chunk stt.AudioChunk) error {
	b, err := encodeAudio(chunk)
	if err != nil {
		return errorsx.New(errorsx.KindProtocol, "encode audio", err)
	}
	if _, err := w.body.Write(b); err != nil {
		return errorsx.New(errorsx.KindDisconnect, "send", err)
	}
	return nil
}

func (w *wireStream) CloseSend() error {
	if _, err := w.body.Write(encodeEOS()); err != nil {
		return errorsx.New(errorsx.KindDisconnect, "close send", err)
	}
	return w.body.Close()
}

func (w *wireStream) Recv() (stt.Message, error) {
	for w.scanner.Scan() {
		raw := bytes.TrimSpace(w.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		msg, ok, err := decodeFrame(raw)
		if err != nil {
			return stt.Message{}, err
		}
		if ok {
			return msg, nil
		}
	}
	if err := w.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return stt.Message{}, errorsx.New(errorsx.KindProtocol, "recv", err)
		}
		return stt.Message{}, errorsx.New(errorsx.KindDisconnect, "recv", err)
	}
	return stt.Message{}, errorsx.New(errorsx.KindDisconnect, "recv", errors.New("response ended before done"))
}

func (w *wireStream) Close() error {
	w.cancel()
	_ = w.body.CloseWithError(errAborted)
	return w.resp.Body.Close()
}
