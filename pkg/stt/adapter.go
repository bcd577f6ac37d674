package stt

import (
	"context"

	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/transport"
)

// AudioChunk is opaque audio already in the remote's wire format.
type AudioChunk struct {
	Seq  uint64
	Data []byte
}

type Result struct {
	Text        string
	IsFinal     bool
	Stability   float64
	Confidence  float64
	ResultIndex int
}

type EventKind int

const (
	EventResult EventKind = iota
	EventDataLoss
)

func (k EventKind) String() string {
	switch k {
	case EventResult:
		return "result"
	case EventDataLoss:
		return "data_loss"
	default:
		return "unknown"
	}
}

// DataLoss reports chunks that could not be replayed after a reconnect.
type DataLoss struct {
	FromSeq uint64
	ToSeq   uint64
	Chunks  uint64
}

// Event is one item on a session's output sequence.
type Event struct {
	Kind   EventKind
	Result Result
	Loss   *DataLoss
}

// Message is a decoded inbound wire frame.
type Message struct {
	Results []Result
	// AckSeq is the highest chunk the remote has durably consumed, 0 if none.
	AckSeq uint64
	// Done signals the remote finished the stream.
	Done bool
}

// Adapter translates the session contract into one provider's wire protocol.
type Adapter interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// ChannelKind selects the pooled channel type, or "" when the adapter
	// manages its own connection.
	ChannelKind() transport.Kind
	// Dial opens the wire stream and sends the initial config frame.
	Dial(ctx context.Context, ch *transport.Channel, cred credentials.Credential, cfg Config) (WireStream, error)
}

// WireStream is one open provider stream. Send and CloseSend are called from
// a single goroutine; Recv from another.
type WireStream interface {
	Send(chunk AudioChunk) error
	// CloseSend transmits the explicit end-of-audio frame.
	CloseSend() error
	Recv() (Message, error)
	// Close aborts the stream.
	Close() error
}

// TokenProvider is satisfied by *credentials.Provider.
type TokenProvider interface {
	Token(ctx context.Context, backendID string) (credentials.Credential, error)
}

// ChannelPool is satisfied by *transport.Pool.
type ChannelPool interface {
	Acquire(ctx context.Context, key transport.Key) (*transport.Channel, error)
	Release(ch *transport.Channel)
}
