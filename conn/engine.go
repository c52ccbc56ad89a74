// Package conn drives one IMAP connection: it owns the transport, the
// wire-level scanner/parser/encoder, the bring-up state machine, and the
// dispatch of tagged replies to waiting tasks and untagged responses to
// whichever layer is listening for them right now (the bring-up machine
// before bringup.StateReady, the mailbox synchroniser after).
package conn

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/fenilsonani/imapkit/conn/bringup"
	"github.com/fenilsonani/imapkit/internal/logging"
	"github.com/fenilsonani/imapkit/transport"
	"github.com/fenilsonani/imapkit/wire"
)

// UntaggedHandler receives every untagged response once bring-up has
// completed. Implemented by the mailbox synchroniser (package mboxsync).
type UntaggedHandler interface {
	HandleUntagged(*wire.Response)
}

// pendingCommand is one command waiting for its tagged reply.
type pendingCommand struct {
	tag    string
	replyC chan *wire.Response
}

// bringupCommand records which bring-up Action issued a given tag, so a
// tagged reply can be routed back to the right HandleTaggedOK/Failure
// call.
type bringupCommand struct {
	tag    string
	action bringup.ActionKind
}

// Engine owns a single connection's socket, parser, encoder, and the two
// queues spec.md section 4.4 describes: an out queue of commands (here,
// simply synchronous writes serialized by mu) and an in queue of
// responses (the parser's read loop, below).
type Engine struct {
	log *logging.Logger

	conn   transport.Conn
	parser *wire.Parser
	writer *wire.CommandWriter

	mu sync.Mutex

	bringupMachine *bringup.Machine
	bringupByTag   map[string]bringup.ActionKind
	bringupDone    chan error

	pending map[string]*pendingCommand

	untagged UntaggedHandler

	// continuationC is signaled once per '+' response, consumed by the
	// literal/IDLE flow currently waiting on one.
	continuationC chan struct{}

	idleActive     bool
	idleDoneC      chan struct{}
	idleTerminated chan struct{}

	greetingSeen bool

	trustFn transport.TrustFunc

	closed bool
}

// New constructs an Engine around an already-dialed transport.Conn. Call
// Run to start the read loop and drive bring-up to completion.
func New(c transport.Conn, policy bringup.Policy, log *logging.Logger) *Engine {
	e := &Engine{
		log:            log,
		conn:           c,
		bringupMachine: bringup.New(policy),
		bringupByTag:   map[string]bringup.ActionKind{},
		bringupDone:    make(chan error, 1),
		pending:        map[string]*pendingCommand{},
		continuationC:  make(chan struct{}, 1),
	}
	e.parser = wire.NewParser(c.Reader())
	e.writer = wire.NewCommandWriter(bufio.NewWriter(writerSink{e}), "a", e.awaitContinuation)
	return e
}

// writerSink adapts Engine's transport.Conn.Writer() so wire.CommandWriter
// always writes to whatever writer is current after a STARTTLS/COMPRESS
// swap, without the caller having to rebuild a CommandWriter on upgrade.
type writerSink struct{ e *Engine }

func (w writerSink) Write(p []byte) (int, error) {
	n, err := w.e.conn.Writer().Write(p)
	if err != nil {
		return n, err
	}
	return n, w.e.conn.Writer().Flush()
}

// BringupCapabilities returns the capability set learned during bring-up
// (and refreshed by any later CAPABILITY command), upper-cased. Used by
// callers deciding whether to request QRESYNC on a SELECT (spec.md
// section 4.5 and the mboxsync.Select qresyncCapable parameter).
func (e *Engine) BringupCapabilities() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bringupMachine.Capabilities()
}

// SetUntaggedHandler registers the consumer of untagged responses seen
// after bring-up completes.
func (e *Engine) SetUntaggedHandler(h UntaggedHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.untagged = h
}

// Run starts the connection engine's read loop. It blocks until the
// connection is closed or ctx is cancelled; callers typically run it in
// its own goroutine. Bring-up progress can be awaited separately via
// WaitReady.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		resp := e.parser.ParseLine()
		if resp.Kind == wire.KindParseError {
			e.log.Warn("parse error", "detail", resp.ParseErr.Message)
			if resp.ParseErr.Kind == wire.ParseErrorGeneric && e.conn.State() == transport.StateClosed {
				return fmt.Errorf("conn: connection closed")
			}
			continue
		}
		e.dispatch(resp)
		if e.isClosed() {
			return nil
		}
	}
}

// WaitReady blocks until bring-up completes (successfully or not).
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case err := <-e.bringupDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// dispatch classifies one parsed response per spec.md section 4.4.
func (e *Engine) dispatch(resp *wire.Response) {
	switch resp.Kind {
	case wire.KindContinuation:
		e.handleContinuation(resp)
		return
	case wire.KindStatusTagged:
		e.handleTagged(resp)
		return
	}

	e.mu.Lock()
	ready := e.bringupMachine.State() == bringup.StateReady
	e.mu.Unlock()

	if !ready {
		e.mu.Lock()
		var actions []bringup.Action
		if !e.greetingSeen {
			e.greetingSeen = true
			actions = e.bringupMachine.HandleGreeting(resp)
		} else {
			actions = e.bringupMachine.HandleUntagged(resp)
		}
		e.mu.Unlock()
		e.runActions(actions)
		return
	}

	e.mu.Lock()
	h := e.untagged
	e.mu.Unlock()
	if h != nil {
		h.HandleUntagged(resp)
	}
}

func (e *Engine) handleContinuation(resp *wire.Response) {
	e.mu.Lock()
	idle := e.idleActive
	e.mu.Unlock()
	if idle {
		return
	}
	select {
	case e.continuationC <- struct{}{}:
	default:
	}
}

// awaitContinuation is the wire.ContinueFunc passed to the CommandWriter:
// it blocks until a '+' response arrives or ctx is cancelled.
func (e *Engine) awaitContinuation(ctx context.Context) error {
	select {
	case <-e.continuationC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleTagged(resp *wire.Response) {
	e.mu.Lock()
	action, isBringup := e.bringupByTag[resp.Tag]
	if isBringup {
		delete(e.bringupByTag, resp.Tag)
	}
	pc := e.pending[resp.Tag]
	if pc != nil {
		delete(e.pending, resp.Tag)
	}
	e.mu.Unlock()

	if isBringup {
		e.mu.Lock()
		var actions []bringup.Action
		if resp.Status.Type == wire.StatusOK {
			actions = e.bringupMachine.HandleTaggedOK(action, resp.Status)
		} else {
			actions = e.bringupMachine.HandleTaggedFailure(action, resp.Status)
		}
		e.mu.Unlock()
		e.runActions(actions)
		return
	}

	if pc != nil {
		pc.replyC <- resp
		return
	}

	e.log.Warn("tagged response for unknown tag", "tag", resp.Tag)
}

// runActions executes the bring-up machine's requested side effects.
// Actions that send a command record the tag they were sent under so the
// matching tagged reply routes back to the machine.
func (e *Engine) runActions(actions []bringup.Action) {
	for _, a := range actions {
		switch a.Kind {
		case bringup.ActionSendCapability:
			e.sendBringup("CAPABILITY", nil, a.Kind)
		case bringup.ActionSendStartTLS:
			e.sendBringup("STARTTLS", nil, a.Kind)
		case bringup.ActionUpgradeTLS:
			go e.performTLSUpgrade()
		case bringup.ActionSendLogin:
			b := e.writer.NewCommand("LOGIN").String(a.Credentials.Username).String(a.Credentials.Password)
			e.sendBringupBuilder(b, a.Kind)
		case bringup.ActionSendAuthenticate:
			e.sendBringup("AUTHENTICATE", []string{"PLAIN"}, a.Kind)
		case bringup.ActionSendID:
			e.sendBringup("ID", []string{"NIL"}, a.Kind)
		case bringup.ActionSendEnable:
			e.sendBringup("ENABLE", a.Args, a.Kind)
		case bringup.ActionSendCompress:
			e.sendBringup("COMPRESS", []string{"DEFLATE"}, a.Kind)
		case bringup.ActionComplete:
			e.bringupDone <- nil
		case bringup.ActionFail:
			e.bringupDone <- a.Err
		}
	}
}

func (e *Engine) sendBringup(name string, args []string, action bringup.ActionKind) {
	b := e.writer.NewCommand(name)
	for _, a := range args {
		b.Atom(a)
	}
	e.sendBringupBuilder(b, action)
}

func (e *Engine) sendBringupBuilder(b *wire.Builder, action bringup.ActionKind) {
	tag := b.PeekTag()
	e.mu.Lock()
	e.bringupByTag[tag] = action
	e.mu.Unlock()
	if _, err := b.Flush(context.Background()); err != nil {
		e.bringupDone <- fmt.Errorf("conn: writing bring-up command: %w", err)
	}
}

// performTLSUpgrade runs the transport-level STARTTLS handshake, then
// reports completion back into the bring-up machine. It runs in its own
// goroutine because the handshake (and any asynchronous trust-decision
// callback) must not block the read loop from delivering the '+' that
// some servers send before the handshake's own bytes, per spec.md
// section 4.4's "resumes only after the TLS layer is up" rule.
func (e *Engine) performTLSUpgrade() {
	err := e.conn.StartTLS(context.Background(), nil, e.trustFn)
	e.mu.Lock()
	machine := e.bringupMachine
	e.mu.Unlock()
	if err != nil {
		e.bringupDone <- fmt.Errorf("conn: TLS upgrade: %w", err)
		return
	}
	e.parser.Scanner().Reset(e.conn.Reader())
	actions := machine.HandleTLSUpgraded()
	e.runActions(actions)
}

// SetTrustFunc registers the async certificate trust callback used by a
// STARTTLS upgrade.
func (e *Engine) SetTrustFunc(fn transport.TrustFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trustFn = fn
}

// NewCommandNamed starts a task-level command and registers a reply
// channel for its tag before the caller flushes it, so no tagged
// response can race ahead of the registration.
func (e *Engine) NewCommandNamed(name string) (*wire.Builder, <-chan *wire.Response, string) {
	b := e.writer.NewCommand(name)
	tag := b.PeekTag()
	replyC := make(chan *wire.Response, 1)
	e.mu.Lock()
	e.pending[tag] = &pendingCommand{tag: tag, replyC: replyC}
	e.mu.Unlock()
	return b, replyC, tag
}

// StartDeflate negotiates COMPRESS DEFLATE is done; the caller has
// already received the tagged OK for the COMPRESS command.
func (e *Engine) StartDeflate() error {
	if err := e.conn.StartDeflate(); err != nil {
		return err
	}
	e.parser.Scanner().Reset(e.conn.Reader())
	return nil
}

// IdleStart marks an IDLE command as in flight: its "completion" is
// DONE rather than a tagged reply, so continuations while idle are
// treated as the idle's own acknowledgement, not a literal handshake.
func (e *Engine) IdleStart() {
	e.mu.Lock()
	e.idleActive = true
	e.idleDoneC = make(chan struct{})
	e.idleTerminated = make(chan struct{}, 1)
	e.mu.Unlock()
}

// IdleDone sends DONE, ending a client-initiated IDLE.
func (e *Engine) IdleDone() error {
	e.mu.Lock()
	active := e.idleActive
	e.idleActive = false
	e.mu.Unlock()
	if !active {
		return fmt.Errorf("conn: IdleDone called with no IDLE in flight")
	}
	_, err := e.conn.Writer().WriteString("DONE\r\n")
	if err != nil {
		return err
	}
	return e.conn.Writer().Flush()
}

// IdleContinuationWontCome abandons an IDLE that never received its '+'
// continuation, e.g. after a timeout.
func (e *Engine) IdleContinuationWontCome() {
	e.mu.Lock()
	e.idleActive = false
	e.mu.Unlock()
}

// IdleMagicallyTerminatedByServer reports that the server ended an idle
// session on its own (some servers time out IDLE after ~29 minutes and
// just send the tagged OK without a client DONE).
func (e *Engine) IdleMagicallyTerminatedByServer() {
	e.mu.Lock()
	e.idleActive = false
	term := e.idleTerminated
	e.mu.Unlock()
	if term != nil {
		select {
		case term <- struct{}{}:
		default:
		}
	}
}

// Close shuts down the connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.conn.Close()
}
