package errorsx

import "errors"

type reasoned struct {
	err    error
	reason ReasonCode
}

func (e *reasoned) Error() string {
	if e.err == nil {
		return string(e.reason)
	}
	return e.err.Error()
}

func (e *reasoned) Unwrap() error { return e.err }

// WithReason tags err with a reason code for logs. The outermost tag wins, so
// a caller may refine the reason of an error it passes on. A nil err stays nil.
func WithReason(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	return &reasoned{err: err, reason: reason}
}

// Reason returns the reason code of err: an explicit tag first, then the
// reason implied by its Kind.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var r *reasoned
	if errors.As(err, &r) {
		return r.reason
	}
	return KindOf(err).Reason()
}
