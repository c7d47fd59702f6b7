package completion

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failed completion call.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport: the request never produced an HTTP response (network, timeout, TLS, cancel).
	KindTransport
	// KindAuth: the provider rejected the credentials (401/403).
	KindAuth
	// KindUpstream: any other non-2xx response.
	KindUpstream
	// KindMalformed: a 2xx response without a usable reply.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindUpstream:
		return "upstream"
	case KindMalformed:
		return "malformed_response"
	case KindUnknown:
		fallthrough
	default:
		return "unknown"
	}
}

// Error is the only error type returned by Client.Complete.
type Error struct {
	Kind   Kind
	Status int
	// Body is a truncated copy of the provider response, kept for logs only.
	Body string
	Err  error
}

func (e *Error) Error() string {
	msg := "completion " + e.Kind.String() + " failure"
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, status int, body string, err error) *Error {
	return &Error{Kind: kind, Status: status, Body: body, Err: err}
}

// KindOf returns the classification of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
