package errorsx

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure for the retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth means the credential was rejected. Fatal unless Refreshable.
	KindAuth
	// KindTransientAuth is a refresh that failed on the network.
	KindTransientAuth
	// KindConnect is a failure to establish the transport.
	KindConnect
	// KindProtocol is malformed or out-of-sequence wire data. Always fatal.
	KindProtocol
	// KindQuota is a rate limit or quota signal from the remote.
	KindQuota
	// KindDisconnect is a mid-stream transport loss.
	KindDisconnect
	// KindDataLoss marks audio that could not be replayed after reconnection.
	KindDataLoss
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransientAuth:
		return "transient_auth"
	case KindConnect:
		return "connect"
	case KindProtocol:
		return "protocol"
	case KindQuota:
		return "quota"
	case KindDisconnect:
		return "disconnect"
	case KindDataLoss:
		return "data_loss"
	default:
		return "unknown"
	}
}

// Reason maps the kind to the reason code used in logs.
func (k Kind) Reason() ReasonCode {
	switch k {
	case KindAuth:
		return ReasonAuthRejected
	case KindTransientAuth:
		return ReasonAuthTransient
	case KindConnect:
		return ReasonSTTConnect
	case KindProtocol:
		return ReasonSTTProtocol
	case KindQuota:
		return ReasonSTTRateLimit
	case KindDisconnect:
		return ReasonSTTDisconnect
	case KindDataLoss:
		return ReasonSTTReplayLoss
	default:
		return ReasonUnknown
	}
}

// Error is a classified failure raised by credentials, transport and adapters.
type Error struct {
	Kind    Kind
	Op      string
	Backend string
	// RetryAfter is the remote-mandated delay for quota errors.
	RetryAfter time.Duration
	// Refreshable marks an auth rejection by the streaming remote (not the token
	// endpoint); a fresh credential may succeed.
	Refreshable bool
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Backend != "" {
		b.WriteString(" (backend ")
		b.WriteString(e.Backend)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithBackend returns a copy tagged with the backend id.
func (e *Error) WithBackend(backend string) *Error {
	cp := *e
	cp.Backend = backend
	return &cp
}

// KindOf returns the first classified kind found in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a supervisor may reconnect after err.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTransientAuth, KindConnect, KindQuota, KindDisconnect:
		return true
	case KindAuth:
		return e.Refreshable
	default:
		return false
	}
}

// RetryAfter returns the mandated delay carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsRefreshable reports whether err is a remote bearer rejection.
func IsRefreshable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuth && e.Refreshable
}
