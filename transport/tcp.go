package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// tcpConn is the standard Conn implementation: a TCP socket, optionally
// upgraded to TLS in place, optionally further wrapped in DEFLATE.
type tcpConn struct {
	mu sync.Mutex

	raw   net.Conn // the socket as it is right now: raw TCP, or a *tls.Conn after StartTLS
	state State

	r *bufio.Reader
	w *bufio.Writer
}

func dialTCP(ctx context.Context, addr string) (Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return newTCPConn(conn, StateConnected), nil
}

func dialImplicitTLS(ctx context.Context, addr string, cfg *tls.Config, trust TrustFunc) (Conn, error) {
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c := newTCPConn(raw, StateConnected)
	if err := c.StartTLS(ctx, cfg, trust); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

func newTCPConn(conn net.Conn, state State) *tcpConn {
	return &tcpConn{
		raw:   conn,
		state: state,
		r:     bufio.NewReader(conn),
		w:     bufio.NewWriter(conn),
	}
}

func (c *tcpConn) Reader() *bufio.Reader { return c.r }
func (c *tcpConn) Writer() *bufio.Writer { return c.w }

func (c *tcpConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartTLS performs the handshake, then consults trust (if the system
// trust store didn't already verify the chain and trust is non-nil)
// before accepting the upgraded connection. Buffered plaintext the
// reader hasn't yet consumed is discarded per RFC 3501 section 6.2.1:
// a STARTTLS response must be followed immediately by the handshake,
// with no pipelined plaintext commands in between.
func (c *tcpConn) StartTLS(ctx context.Context, cfg *tls.Config, trust TrustFunc) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("transport: StartTLS called in state %s", c.state)
	}
	c.state = StateTLSHandshaking
	c.mu.Unlock()

	tlsCfg := cfg
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	verifyOverridden := tlsCfg.InsecureSkipVerify
	if trust != nil && !verifyOverridden {
		// Let the handshake run its normal verification; only fall
		// back to the async trust callback if that verification fails,
		// so well-behaved CAs never pay the callback's latency.
		cfgCopy := tlsCfg.Clone()
		cfgCopy.InsecureSkipVerify = true
		tlsConn := tls.Client(c.raw, cfgCopy)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("transport: TLS handshake: %w", err)
		}
		state := tlsConn.ConnectionState()
		if err := verifyWithConfig(tlsCfg, state); err != nil {
			decision := trust(ctx, state.PeerCertificates)
			switch decision {
			case TrustAccept, TrustAcceptPersistently:
				// proceed with the handshake already completed
			default:
				tlsConn.Close()
				return fmt.Errorf("transport: certificate rejected: %w", err)
			}
		}
		c.swapToTLS(tlsConn)
		return nil
	}

	tlsConn := tls.Client(c.raw, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("transport: TLS handshake: %w", err)
	}
	c.swapToTLS(tlsConn)
	return nil
}

func (c *tcpConn) swapToTLS(tlsConn *tls.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	c.state = StateEncrypted
}

// verifyWithConfig re-runs chain verification using cfg's RootCAs (or
// the system pool if nil), the check HandshakeContext skipped when
// InsecureSkipVerify was forced on for the trust-callback path above.
func verifyWithConfig(cfg *tls.Config, state tls.ConnectionState) error {
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("transport: no peer certificates presented")
	}
	opts := verifyOpts(cfg, state)
	_, err := state.PeerCertificates[0].Verify(opts)
	return err
}

func (c *tcpConn) StartDeflate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEncrypted && c.state != StateConnected {
		return fmt.Errorf("transport: StartDeflate called in state %s", c.state)
	}
	dc := newDeflateConn(c.raw)
	c.r = bufio.NewReader(dc)
	c.w = bufio.NewWriter(dc)
	c.state = StateCompressed
	return nil
}

func (c *tcpConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	return c.raw.Close()
}
