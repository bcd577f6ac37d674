package google

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/stt"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func audioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "WAV", stt.EncodingLinear16:
		return speechpb.RecognitionConfig_LINEAR16, nil
	case stt.EncodingFLAC:
		return speechpb.RecognitionConfig_FLAC, nil
	case stt.EncodingMulaw:
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case stt.EncodingOggOpus:
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

// encodeConfig builds the first frame of a StreamingRecognize call.
func encodeConfig(cfg stt.Config, settings Settings) (*speechpb.StreamingRecognizeRequest, error) {
	encoding, err := audioEncoding(cfg.Encoding)
	if err != nil {
		return nil, errorsx.New(errorsx.KindProtocol, "encode config", err)
	}
	model := cfg.Model
	if model == "" {
		model = settings.Model
	}
	rc := &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(cfg.SampleRate),
		AudioChannelCount:          int32(cfg.ChannelCount),
		LanguageCode:               cfg.Language,
		Model:                      model,
		UseEnhanced:                settings.UseEnhanced,
		ProfanityFilter:            settings.ProfanityFilter,
		EnableAutomaticPunctuation: settings.Punctuation,
		MaxAlternatives:            int32(settings.MaxAlternatives),
	}
	if len(settings.Phrases) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: settings.Phrases}}
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          rc,
				InterimResults:  cfg.InterimResults,
				SingleUtterance: settings.SingleUtterance,
			},
		},
	}, nil
}

func encodeAudio(chunk stt.AudioChunk) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk.Data},
	}
}

// decoder turns responses into results. Indexes count settled finals so a
// final always closes its index.
type decoder struct {
	settled int
}

// decode returns the results carried by one response and the amount of audio
// the remote has finalized, measured from stream start.
func (d *decoder) decode(resp *speechpb.StreamingRecognizeResponse) ([]stt.Result, time.Duration, error) {
	if resp == nil {
		return nil, 0, nil
	}
	if resp.GetError() != nil && resp.GetError().GetCode() != int32(codes.OK) {
		return nil, 0, mapStatus(status.FromProto(resp.GetError()).Err(), "recv")
	}

	var (
		finals   []stt.Result
		interim  strings.Builder
		stable   float64
		hasInter bool
		done     time.Duration
	)
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if r.GetIsFinal() {
			finals = append(finals, stt.Result{
				Text:        alts[0].GetTranscript(),
				IsFinal:     true,
				Confidence:  float64(alts[0].GetConfidence()),
				Stability:   1,
				ResultIndex: d.settled + len(finals),
			})
			if end := r.GetResultEndTime().AsDuration(); end > done {
				done = end
			}
			continue
		}
		if !hasInter {
			stable = float64(r.GetStability())
			hasInter = true
		}
		interim.WriteString(alts[0].GetTranscript())
	}

	if len(finals) > 0 {
		d.settled += len(finals)
		return finals, done, nil
	}
	if !hasInter {
		return nil, 0, nil
	}
	return []stt.Result{{
		Text:        interim.String(),
		Stability:   stable,
		ResultIndex: d.settled,
	}}, 0, nil
}

// mapStatus classifies a gRPC status for the retry policy.
func mapStatus(err error, op string) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errorsx.New(errorsx.KindDisconnect, op, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return &errorsx.Error{Kind: errorsx.KindAuth, Op: op, Refreshable: true, Err: err}
	case codes.ResourceExhausted:
		return &errorsx.Error{Kind: errorsx.KindQuota, Op: op, RetryAfter: retryDelay(st), Err: err}
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.OutOfRange, codes.Canceled, codes.Internal:
		return errorsx.New(errorsx.KindDisconnect, op, err)
	default:
		return errorsx.New(errorsx.KindProtocol, op, err)
	}
}

func retryDelay(st *status.Status) time.Duration {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok {
			return info.GetRetryDelay().AsDuration()
		}
	}
	return 0
}
