// Package imaptest provides an in-memory fake IMAP server and a
// transport.Conn wrapping the client side of a net.Pipe, so the
// scenarios in SPEC_FULL.md section 8 (S1-S6) and the invariants in the
// same section can be scripted byte-for-byte without a real socket.
// Grounded on the teacher's httptest-style "spin up an in-process
// server, dial it, assert on the exchange" test shape, generalized from
// HTTP request/response pairs to IMAP's tagged command/response
// exchange.
package imaptest

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fenilsonani/imapkit/transport"
)

// Conn adapts one end of a net.Pipe to transport.Conn. STARTTLS and
// COMPRESS are no-ops that just advance State, since a fake server
// speaks plaintext IMAP for every scenario the corpus needs to script.
type Conn struct {
	mu    sync.Mutex
	raw   net.Conn
	state transport.State
	r     *bufio.Reader
	w     *bufio.Writer
}

func newConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, state: transport.StateConnected, r: bufio.NewReader(raw), w: bufio.NewWriter(raw)}
}

func (c *Conn) Reader() *bufio.Reader { return c.r }
func (c *Conn) Writer() *bufio.Writer { return c.w }

func (c *Conn) StartTLS(ctx context.Context, cfg *tls.Config, trust transport.TrustFunc) error {
	c.mu.Lock()
	c.state = transport.StateEncrypted
	c.mu.Unlock()
	return nil
}

func (c *Conn) StartDeflate() error {
	c.mu.Lock()
	c.state = transport.StateCompressed
	c.mu.Unlock()
	return nil
}

func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Close() error { return c.raw.Close() }

// Step is one request/reply exchange the fake server scripts. MatchTail
// is matched against the client's line with its leading tag stripped
// (e.g. a client line "a1 LOGIN luzr sikrit" matches MatchTail "LOGIN
// luzr sikrit"); leave it empty to match anything (used for steps whose
// only purpose is replying, e.g. after a literal's continuation). Reply
// lines may contain the literal substring "{tag}", replaced with the
// tag the server read off the matched client line.
type Step struct {
	MatchTail string
	Reply     []string
}

// Script is a fake server's entire scripted exchange: a greeting line
// sent unprompted, then a sequence of Steps consumed one client line at
// a time.
type Script struct {
	Greeting string
	Steps    []Step
}

// Server runs a Script against one side of a net.Pipe in its own
// goroutine, recording every line the client sent for later assertions.
type Server struct {
	mu   sync.Mutex
	seen []string
	errC chan error
}

// Pair dials an in-memory pair and starts srv's script running against
// the server side, returning the client-facing transport.Conn. The
// script runs in a background goroutine for the lifetime of t; the
// first mismatch or I/O error ends the script and is reported by Wait.
func Pair(t *testing.T, script *Script) (transport.Conn, *Server) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	srv := &Server{errC: make(chan error, 1)}
	go srv.run(t, serverRaw, script)
	return newConn(clientRaw), srv
}

func (s *Server) run(t *testing.T, raw net.Conn, script *Script) {
	r := bufio.NewReader(raw)
	w := bufio.NewWriter(raw)

	if script.Greeting != "" {
		writeLine(w, script.Greeting)
	}

	for _, step := range script.Steps {
		line, err := r.ReadString('\n')
		if err != nil {
			s.errC <- fmt.Errorf("imaptest: reading client line: %w", err)
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		s.seen = append(s.seen, line)
		s.mu.Unlock()

		tag, tail := splitTag(line)
		if step.MatchTail != "" && tail != step.MatchTail {
			s.errC <- fmt.Errorf("imaptest: expected tail %q, got %q (full line %q)", step.MatchTail, tail, line)
			return
		}
		for _, reply := range step.Reply {
			writeLine(w, strings.ReplaceAll(reply, "{tag}", tag))
		}
	}
	s.errC <- nil
}

// Wait blocks until the script finishes (or timeout elapses) and
// reports any mismatch via t.Errorf.
func (s *Server) Wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case err := <-s.errC:
		if err != nil {
			t.Errorf("%v", err)
		}
	case <-time.After(timeout):
		t.Errorf("imaptest: script did not finish within %s", timeout)
	}
}

// Seen returns every line the client sent so far, in order.
func (s *Server) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.seen...)
}

func writeLine(w *bufio.Writer, line string) {
	w.WriteString(line)
	w.WriteString("\r\n")
	w.Flush()
}

func splitTag(line string) (tag, tail string) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return line, ""
	}
	return line[:idx], line[idx+1:]
}
