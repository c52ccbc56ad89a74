// Package transport provides the byte-stream abstraction IMAP runs
// over: a plain TCP socket, one upgraded in place by STARTTLS, one
// wrapped in TLS from the first byte, a DEFLATE-compressed stream, or a
// local helper process reached over its stdio pipes.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"
)

// ConnectionMethod selects how a Conn reaches the server, mirroring the
// connection-method choices the original trojita implementation exposes
// per account (src/Common/ConnectionMethod.h): a plaintext or
// already-TLS-wrapped socket, or a local subprocess.
type ConnectionMethod int

const (
	// MethodCleartext dials a plain TCP socket; STARTTLS may upgrade it
	// in place afterward.
	MethodCleartext ConnectionMethod = iota
	// MethodStartTLS is identical to MethodCleartext at dial time; the
	// name exists so callers can assert STARTTLS support is required
	// before completing bring-up (spec.md section 4.5).
	MethodStartTLS
	// MethodImplicitTLS dials straight into a TLS handshake (the
	// historical "imaps" port 993 behavior).
	MethodImplicitTLS
	// MethodSubprocess launches a local helper program and speaks IMAP
	// over its stdin/stdout, e.g. for "ssh host imap-proxy".
	MethodSubprocess
)

func (m ConnectionMethod) String() string {
	switch m {
	case MethodCleartext:
		return "cleartext"
	case MethodStartTLS:
		return "starttls"
	case MethodImplicitTLS:
		return "implicit-tls"
	case MethodSubprocess:
		return "subprocess"
	default:
		return "unknown"
	}
}

// State is the linear connection-state sequence from spec.md section
// 4.1: a socket only ever moves forward through these states (STARTTLS
// or COMPRESS each advance it once, and only in that order), never back.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTLSHandshaking
	StateEncrypted
	StateCompressed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTLSHandshaking:
		return "tls-handshaking"
	case StateEncrypted:
		return "encrypted"
	case StateCompressed:
		return "compressed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrustDecision is the caller's verdict on a certificate chain presented
// during a STARTTLS or implicit-TLS handshake that the system trust
// store alone didn't resolve (an unknown CA, a pinned-but-changed leaf).
type TrustDecision int

const (
	TrustUndecided TrustDecision = iota
	TrustAccept
	TrustAcceptPersistently
	TrustReject
)

// TrustFunc is asked to approve a certificate chain asynchronously, e.g.
// by prompting a human. It must not block the caller's goroutine
// indefinitely; ctx carries whatever deadline the dialer imposes.
type TrustFunc func(ctx context.Context, chain []*x509.Certificate) TrustDecision

// Conn is the byte-stream abstraction every layer above transport
// depends on. Read/Write semantics are those of net.Conn; StartTLS and
// StartDeflate are one-shot, forward-only upgrades matching the State
// sequence above.
type Conn interface {
	Reader() *bufio.Reader
	Writer() *bufio.Writer

	// StartTLS upgrades the connection in place. It must only be called
	// once, and never after StartDeflate.
	StartTLS(ctx context.Context, cfg *tls.Config, trust TrustFunc) error

	// StartDeflate wraps the connection in a raw DEFLATE stream (RFC
	// 4978, COMPRESS=DEFLATE). It must only be called once.
	StartDeflate() error

	State() State
	Close() error
}

// Dial opens a connection using method, blocking until the transport is
// ready to speak IMAP (a completed TCP connect, or a completed TLS
// handshake for MethodImplicitTLS).
func Dial(ctx context.Context, method ConnectionMethod, addr string, tlsConfig *tls.Config, trust TrustFunc) (Conn, error) {
	switch method {
	case MethodCleartext, MethodStartTLS:
		return dialTCP(ctx, addr)
	case MethodImplicitTLS:
		return dialImplicitTLS(ctx, addr, tlsConfig, trust)
	case MethodSubprocess:
		return nil, fmt.Errorf("transport: use DialSubprocess for MethodSubprocess")
	default:
		return nil, fmt.Errorf("transport: unknown connection method %v", method)
	}
}

var dialer = &net.Dialer{Timeout: 30 * time.Second}
