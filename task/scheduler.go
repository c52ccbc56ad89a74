package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fenilsonani/imapkit/internal/logging"
	"github.com/fenilsonani/imapkit/internal/resilience"
)

// MailboxGate serializes access to one mailbox's select/sync state,
// grounded on the teacher's BreakerRegistry idiom of a lazily created,
// per-key gate guarded by its own mutex rather than one scheduler-wide
// lock (internal/resilience.BreakerRegistry.Get). Here the gate isn't
// tripping open/closed on failures; it exists purely to serialize and
// coalesce SELECT/EXAMINE requests for one mailbox (spec.md section
// 4.6: "at most one mailbox is being selected at a time").
type MailboxGate struct {
	mu sync.Mutex

	selecting bool
	waiters   []chan struct{}
}

func newMailboxGate() *MailboxGate { return &MailboxGate{} }

// Acquire blocks until this mailbox is free to select, then marks it
// busy. If a select is already in flight, the caller coalesces onto it:
// Acquire returns once the in-flight select finishes, with ok=false so
// the caller knows not to issue its own SELECT.
func (g *MailboxGate) Acquire(ctx context.Context) (ok bool, err error) {
	g.mu.Lock()
	if !g.selecting {
		g.selecting = true
		g.mu.Unlock()
		return true, nil
	}
	wait := make(chan struct{})
	g.waiters = append(g.waiters, wait)
	g.mu.Unlock()

	select {
	case <-wait:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Release marks the mailbox free and wakes every coalesced waiter; they
// all observe the just-finished select's result rather than issuing
// their own.
func (g *MailboxGate) Release() {
	g.mu.Lock()
	g.selecting = false
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Scheduler queues tasks against one connection and dispatches them in
// submission order once the connection is ready, per spec.md section
// 4.6.
type Scheduler struct {
	mu    sync.Mutex
	ready bool
	queue []*Task
	gates map[string]*MailboxGate

	// breakers trips per mailbox when its SELECT keeps failing (a
	// mailbox the server is refusing to open, a permissions change, a
	// stuck ACL), grounded on the teacher's resilience.BreakerRegistry
	// idiom of a lazily created breaker per key.
	breakers *resilience.BreakerRegistry

	log  *logging.Logger
	wake chan struct{}
}

// New returns a Scheduler. It starts not-ready; call SetReady once
// bring-up completes to start dispatching queued work.
func New() *Scheduler {
	s := &Scheduler{
		gates: map[string]*MailboxGate{},
		wake:  make(chan struct{}, 1),
	}
	s.breakers = resilience.NewBreakerRegistry(s.selectBreakerConfig)
	return s
}

// SetLogger attaches a logger the mailbox breaker uses to report state
// transitions. Safe to call once before the scheduler is given any
// work; nil (the default) just means transitions go unlogged.
func (s *Scheduler) SetLogger(log *logging.Logger) { s.log = log }

// selectBreakerConfig tunes the per-mailbox SELECT breaker: three
// consecutive failures trip it, and it stays open briefly so a
// transient server hiccup clears before the scheduler retries.
func (s *Scheduler) selectBreakerConfig(mailbox string) resilience.Config {
	cfg := resilience.DefaultConfig("select:" + mailbox)
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 1
	cfg.Timeout = 10 * time.Second
	cfg.HalfOpenMaxCalls = 1
	cfg.IsFailure = isSelectFailure
	cfg.OnStateChange = s.logBreakerTransition
	return cfg
}

// isSelectFailure excludes a cancelled or deadline-exceeded context from
// tripping the mailbox breaker: that's the caller giving up on the
// SELECT, not the server refusing the mailbox. Everything else
// AcquireMailbox's release sees is a tagged NO/BAD for this SELECT (or
// a failure reaching the server at all), and both are signal that this
// particular mailbox is the problem.
func isSelectFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// logBreakerTransition reports a mailbox breaker opening or recovering.
// An open transition means this scheduler has given up retrying SELECT
// against that mailbox for a while, so it logs at warn; the
// half-open/closed recovery steps log at info.
func (s *Scheduler) logBreakerTransition(name string, from, to resilience.State) {
	if s.log == nil {
		return
	}
	if to == resilience.StateOpen {
		s.log.Warn("mailbox select breaker opened", "breaker", name, "from", from.String())
		return
	}
	s.log.Info("mailbox select breaker transition", "breaker", name, "from", from.String(), "to", to.String())
}

// SetReady unblocks dispatch. It is called once by the connection
// engine when the bring-up state machine reaches bringup.StateReady; no
// task-level command is allowed onto the wire before that (spec.md
// section 4.5's invariant).
func (s *Scheduler) SetReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.signal()
}

// gateFor returns (creating if necessary) the MailboxGate for mailbox.
func (s *Scheduler) gateFor(mailbox string) *MailboxGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[mailbox]
	if !ok {
		g = newMailboxGate()
		s.gates[mailbox] = g
	}
	return g
}

// Submit enqueues fn as a new task and returns it immediately; the task
// dispatches once the connection is ready and every task queued before
// it has finished. mailbox is recorded on the Task and does not affect
// dispatch.
func (s *Scheduler) Submit(mailbox string, fn Func) *Task {
	t := newTask(mailbox, fn)
	s.mu.Lock()
	s.queue = append(s.queue, t)
	ready := s.ready
	s.mu.Unlock()
	if ready {
		s.signal()
	}
	return t
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue in submission order until ctx is cancelled. It's
// meant to run in its own goroutine for the lifetime of the connection.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		t := s.dequeueReady()
		if t == nil {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		s.dispatch(ctx, t)
	}
}

// dequeueReady pops the first queued task once the connection is ready.
// It does not consult the mailbox gates: Run executes one task at a
// time, and SELECT/EXAMINE serialization goes through AcquireMailbox.
func (s *Scheduler) dequeueReady() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t
}

func (s *Scheduler) dispatch(ctx context.Context, t *Task) {
	if t.Cancelled() {
		t.finish(ErrCancelled)
		return
	}
	t.run(ctx)
}

// AcquireMailbox serializes entry into a SELECT/EXAMINE for mailbox. The
// returned release func must be called once the select's tagged reply
// (and any resync it triggers) has completed, passing the outcome so
// the mailbox's breaker can count it. own reports whether this caller
// is the one actually issuing SELECT; when false, a concurrent caller's
// select already satisfies this one and no command should be sent.
//
// If the mailbox's breaker is open (repeated recent SELECT failures),
// AcquireMailbox fails fast with resilience.ErrCircuitOpen instead of
// queuing behind another doomed attempt.
func (s *Scheduler) AcquireMailbox(ctx context.Context, mailbox string) (own bool, release func(selectErr error), err error) {
	cb := s.breakers.Get(mailbox)
	if cb.State() == resilience.StateOpen {
		return false, nil, fmt.Errorf("task: mailbox %q: %w", mailbox, resilience.ErrCircuitOpen)
	}

	g := s.gateFor(mailbox)
	own, err = g.Acquire(ctx)
	if err != nil {
		return false, nil, err
	}
	if !own {
		return false, func(error) {}, nil
	}
	return true, func(selectErr error) {
		_ = cb.Execute(ctx, func(context.Context) error { return selectErr })
		g.Release()
	}, nil
}
