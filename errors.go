package imapkit

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the way spec.md section 7's error
// taxonomy names kinds, not specific causes: a caller branches on Kind,
// not on the wrapped error's type, the same way task.ErrCancelled and
// resilience.ErrCircuitOpen are meant to be matched with errors.Is
// rather than a type switch.
type ErrorKind int

const (
	// KindTransport covers connect failure, disconnect, read/write
	// timeout, TLS handshake failure, and certificate rejection. A
	// transport error is fatal to the connection: every pending task
	// fails with it, and the model moves to an offline state.
	KindTransport ErrorKind = iota
	// KindProtocol covers a parse error, an unrecognized response
	// kind, a response that doesn't belong in the current state, or a
	// tagged reply for a tag nothing is waiting on. Also fatal to the
	// connection.
	KindProtocol
	// KindServerRefusal is a tagged NO or BAD for one specific
	// command. Only the owning task fails; the connection stays up.
	KindServerRefusal
	// KindCapability means the requested operation needs a capability
	// the server didn't advertise.
	KindCapability
	// KindState means the operation was attempted in the wrong
	// connection/bring-up state (e.g. FETCH before SELECT).
	KindState
	// KindCache marks a cache.Cache failure (see NewCacheError). No code
	// path in this module constructs one: Synchroniser.Select returns
	// cache read/write errors wrapped with fmt.Errorf, which fails the
	// select, and mboxsync's in-session updates discard cache write
	// errors. Client.Errors/model.Tree.Errors carry fetch failures only.
	KindCache
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindServerRefusal:
		return "server-refusal"
	case KindCapability:
		return "capability"
	case KindState:
		return "state"
	case KindCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Error is the typed error every imapkit entry point returns for a
// failure that falls into one of spec.md section 7's kinds. Err holds
// the wrapped cause; a KindServerRefusal Error leaves it nil and carries
// Code and Text instead. The State/Capability sentinels below are
// returned either directly or wrapped as Err.
type Error struct {
	Kind ErrorKind
	Op   string // e.g. "imapkit: SELECT", "imapkit: dial"
	Code string // response code for KindServerRefusal: ALERT, AUTHENTICATIONFAILED, UIDNOTSTICKY, TRYCREATE, CANNOT, LIMIT, OVERQUOTA, NONEXISTENT, ...
	Text string // server's human-readable text, for KindServerRefusal
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindServerRefusal && e.Code != "":
		return fmt.Sprintf("%s: %s [%s] %s", e.Op, e.Kind, e.Code, e.Text)
	case e.Kind == KindServerRefusal:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Text)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransportError wraps err as a KindTransport Error.
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// NewProtocolError wraps err as a KindProtocol Error.
func NewProtocolError(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// NewServerRefusalError builds a KindServerRefusal Error from a tagged
// NO/BAD's response code and text.
func NewServerRefusalError(op, code, text string) *Error {
	return &Error{Kind: KindServerRefusal, Op: op, Code: code, Text: text}
}

// NewCacheError wraps a cache.Cache write failure as a KindCache Error.
func NewCacheError(op string, err error) *Error {
	return &Error{Kind: KindCache, Op: op, Err: err}
}

// Sentinel State/Capability errors, matched with errors.Is the same way
// resilience.ErrCircuitOpen and task.ErrCancelled are: the operation
// attempted is always the same regardless of which mailbox or
// capability was involved, so there is nothing a Code/Text pair would
// add over a fmt.Errorf("...: %w", ...) wrap.
var (
	ErrNotSelected        = errors.New("imapkit: no mailbox is selected")
	ErrAlreadySelected    = errors.New("imapkit: a mailbox is already selected; UNSELECT or re-SELECT first")
	ErrNotConnected       = errors.New("imapkit: client is not connected")
	ErrCapabilityMissing  = errors.New("imapkit: server does not advertise the required capability")
	ErrLiteralPlusMissing = errors.New("imapkit: LITERAL+/LITERAL- not advertised, synchronizing literal required")
)

// IsKind reports whether err is an *Error (possibly wrapped) of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
