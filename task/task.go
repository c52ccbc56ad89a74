// Package task implements the command/task scheduler: it queues work
// against a connection, enforces that at most one mailbox select is in
// flight at a time, coalesces redundant select requests, and supports
// cooperative cancellation (spec.md sections 4.6 and 5).
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrCancelled is returned by a Task's Wait when it was cancelled before
// or during execution.
var ErrCancelled = errors.New("task: cancelled")

// State is a task's position in its own lifecycle.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Func is the work a Task performs once dispatched. It must not return
// until the server's tagged reply for every command it sent has been
// observed, so that a cancellation racing its completion can tell
// whether side effects already landed (spec.md section 4.6,
// "cooperative cancellation").
type Func func(ctx context.Context) error

// Task is one unit of scheduled work: typically one IMAP command and
// its reply, occasionally a short sequence of them (e.g. SELECT
// followed by the synchroniser's resync fetches).
type Task struct {
	ID      string
	Mailbox string // "" for connection-global tasks (LOGIN, LIST, NOOP)

	fn Func

	state     atomic.Int32
	cancelled atomic.Bool
	done      chan struct{}
	err       error

	mu sync.Mutex
}

func newTask(mailbox string, fn Func) *Task {
	return &Task{
		ID:      uuid.NewString(),
		Mailbox: mailbox,
		fn:      fn,
		done:    make(chan struct{}),
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Cancel marks the task cancelled. If it hasn't started, the scheduler
// removes it from the queue without running it. If it has already sent
// a command, its effects are still awaited but discarded: Wait returns
// ErrCancelled regardless of what the server replied.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Wait blocks until the task finishes, returning ErrCancelled if it was
// cancelled, otherwise whatever error (if any) Func returned.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.cancelled.Load() {
			return ErrCancelled
		}
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	if t.cancelled.Load() {
		t.state.Store(int32(StateCancelled))
	} else {
		t.state.Store(int32(StateDone))
	}
	close(t.done)
}

func (t *Task) run(ctx context.Context) {
	t.state.Store(int32(StateRunning))
	err := t.fn(ctx)
	t.finish(err)
}

// String renders the task for logging.
func (t *Task) String() string {
	if t.Mailbox == "" {
		return fmt.Sprintf("task(%s, global, %s)", t.ID, t.State())
	}
	return fmt.Sprintf("task(%s, mailbox=%s, %s)", t.ID, t.Mailbox, t.State())
}
