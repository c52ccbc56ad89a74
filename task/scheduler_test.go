package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fenilsonani/imapkit/internal/resilience"
)

func TestSchedulerDispatchesInSubmissionOrder(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var order []int

	var tasks []*Task
	for i := 0; i < 5; i++ {
		i := i
		tasks = append(tasks, s.Submit("", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	s.SetReady()

	for _, tk := range tasks {
		if err := tk.Wait(context.Background()); err != nil {
			t.Fatalf("task wait: %v", err)
		}
	}
	cancel()

	for i, v := range order {
		if v != i {
			t.Errorf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestSchedulerBlocksUntilReady(t *testing.T) {
	s := New()
	tk := s.Submit("", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-tk.done:
		t.Fatal("task ran before SetReady was called")
	case <-time.After(20 * time.Millisecond):
	}

	s.SetReady()
	if err := tk.Wait(context.Background()); err != nil {
		t.Fatalf("task wait: %v", err)
	}
}

func TestAcquireMailboxCoalescesConcurrentSelects(t *testing.T) {
	s := New()

	own1, release1, err := s.AcquireMailbox(context.Background(), "INBOX")
	if err != nil || !own1 {
		t.Fatalf("first AcquireMailbox: own=%v err=%v", own1, err)
	}

	done := make(chan struct{})
	var own2 bool
	go func() {
		own2, _, _ = s.AcquireMailbox(context.Background(), "INBOX")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second AcquireMailbox returned before release")
	case <-time.After(20 * time.Millisecond):
	}

	release1(nil)
	<-done
	if own2 {
		t.Error("coalesced caller reported own=true, want false")
	}
}

func TestAcquireMailboxBreakerOpensAfterRepeatedFailures(t *testing.T) {
	s := New()
	selectErr := errors.New("select failed")

	for i := 0; i < 3; i++ {
		own, release, err := s.AcquireMailbox(context.Background(), "INBOX")
		if err != nil || !own {
			t.Fatalf("attempt %d: own=%v err=%v", i, own, err)
		}
		release(selectErr)
	}

	_, _, err := s.AcquireMailbox(context.Background(), "INBOX")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("AcquireMailbox after repeated failures = %v, want ErrCircuitOpen", err)
	}

	// A different mailbox's breaker is unaffected.
	own, release, err := s.AcquireMailbox(context.Background(), "Sent")
	if err != nil || !own {
		t.Fatalf("unrelated mailbox: own=%v err=%v", own, err)
	}
	release(nil)
}
