// Package zerr defines the closed taxonomy of errors that may cross an RPC
// boundary. Handlers translate every internal error into one of these kinds
// before replying; nothing else is allowed to leak to a peer.
package zerr

import "fmt"

// Kind is a stable wire code. Values must never be renumbered once shipped.
type Kind int

const (
	_ Kind = iota
	InvalidId
	InvalidState
	Forbidden
	Internal
	Forwarded
	IO
	ZoneStopped
)

func (k Kind) String() string {
	switch k {
	case InvalidId:
		return "InvalidId"
	case InvalidState:
		return "InvalidState"
	case Forbidden:
		return "Forbidden"
	case Internal:
		return "Internal"
	case Forwarded:
		return "Forwarded"
	case IO:
		return "IO"
	case ZoneStopped:
		return "ZoneStopped"
	default:
		return "Unknown"
	}
}

// Error is the only error type allowed to cross the control socket. Message
// is the human-readable text; Kind is the enumerated status the client
// library surfaces.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap translates an arbitrary error into a taxonomy error of kind k,
// preserving the original as the cause so %w-style unwrapping still works.
func Wrap(k Kind, err error) *Error {
	if err == nil {
		return nil
	}
	if ze, ok := err.(*Error); ok {
		return ze
	}
	return &Error{Kind: k, Message: err.Error(), cause: err}
}

// As extracts the Kind of err if it is (or wraps) a *Error, returning
// (Internal, false) otherwise so callers always have a code to report.
func As(err error) (Kind, bool) {
	if err == nil {
		return 0, false
	}
	var ze *Error
	for e := err; e != nil; {
		if v, ok := e.(*Error); ok {
			ze = v
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if ze == nil {
		return Internal, false
	}
	return ze.Kind, true
}
