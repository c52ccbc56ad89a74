package mboxsync

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fenilsonani/imapkit/cache"
	"github.com/fenilsonani/imapkit/cache/memcache"
	"github.com/fenilsonani/imapkit/internal/logging"
	"github.com/fenilsonani/imapkit/wire"
)

// lineSink splits whatever a wire.CommandWriter writes into complete
// CRLF-terminated lines and publishes each one on out, the way a real
// socket's bytes would arrive at a server one line at a time.
type lineSink struct {
	mu  sync.Mutex
	buf []byte
	out chan string
}

func newLineSink() *lineSink { return &lineSink{out: make(chan string, 64)} }

func (s *lineSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	for {
		idx := bytes.Index(s.buf, []byte("\r\n"))
		if idx < 0 {
			break
		}
		line := string(s.buf[:idx])
		s.buf = s.buf[idx+2:]
		s.out <- line
	}
	return len(p), nil
}

// fakeIssuer is a mboxsync.CommandIssuer backed by an in-memory
// CommandWriter: every Flush'd command line is observable via
// nextCommand, and the test plays the server side by calling replyOK
// and feeding untagged responses to Synchroniser.HandleUntagged.
type fakeIssuer struct {
	cw    *wire.CommandWriter
	sink  *lineSink
	mu    sync.Mutex
	byTag map[string]chan *wire.Response
}

func newFakeIssuer() *fakeIssuer {
	sink := newLineSink()
	fi := &fakeIssuer{sink: sink, byTag: map[string]chan *wire.Response{}}
	fi.cw = wire.NewCommandWriter(bufio.NewWriter(sink), "a", nil)
	return fi
}

func (fi *fakeIssuer) NewCommandNamed(name string) (*wire.Builder, <-chan *wire.Response, string) {
	b := fi.cw.NewCommand(name)
	tag := b.PeekTag()
	replyC := make(chan *wire.Response, 1)
	fi.mu.Lock()
	fi.byTag[tag] = replyC
	fi.mu.Unlock()
	return b, replyC, tag
}

func (fi *fakeIssuer) replyOK(tag string) {
	fi.mu.Lock()
	c := fi.byTag[tag]
	fi.mu.Unlock()
	c <- &wire.Response{Kind: wire.KindStatusTagged, Tag: tag, Status: &wire.Status{Type: wire.StatusOK, Text: "completed"}}
}

// nextCommand blocks for the next full command line the code under test
// sent, splitting off its tag.
func (fi *fakeIssuer) nextCommand(t *testing.T) (tag, rest string) {
	t.Helper()
	select {
	case line := <-fi.sink.out:
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			t.Fatalf("malformed command line %q", line)
		}
		return parts[0], parts[1]
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a command")
		return "", ""
	}
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error", Format: "text", Output: "stderr"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return log
}

func fetchFlagsLine(uid uint32, flags string) *wire.Response {
	return &wire.Response{Kind: wire.KindFetch, Fetch: &wire.Fetch{Attrs: []wire.FetchAttr{
		{Name: "UID", UID: uid},
		{Name: "FLAGS", Flags: strings.Fields(flags)},
	}}}
}

// TestSelectNoChangeFetchesFlags covers review comment (a): the
// no-change fast path must still fetch FLAGS for 1:* so a flag change
// made server-side while the cache was merely "not grown" is observed.
func TestSelectNoChangeFetchesFlags(t *testing.T) {
	c := memcache.New()
	ctx := context.Background()
	mailbox := "INBOX"
	_ = c.SetSyncState(ctx, mailbox, cache.SyncState{UIDValidity: 1, UIDNext: 11, Exists: 2})
	_ = c.SetUIDMap(ctx, mailbox, []uint32{10, 11})

	fi := newFakeIssuer()
	s := New(c, fi, testLogger(t), nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Select(ctx, mailbox, false, false)
		done <- err
	}()

	tag, rest := fi.nextCommand(t)
	if !strings.HasPrefix(rest, "SELECT") {
		t.Fatalf("first command = %q, want SELECT", rest)
	}
	s.HandleUntagged(&wire.Response{Kind: wire.KindExists, Count: 2})
	s.HandleUntagged(&wire.Response{Kind: wire.KindStatusUntagged, Status: &wire.Status{Type: wire.StatusOK, Code: &wire.Code{Name: "UIDVALIDITY", Number: 1}}})
	s.HandleUntagged(&wire.Response{Kind: wire.KindStatusUntagged, Status: &wire.Status{Type: wire.StatusOK, Code: &wire.Code{Name: "UIDNEXT", Number: 11}}})
	fi.replyOK(tag)

	tag, rest = fi.nextCommand(t)
	if rest != "FETCH 1:* (UID FLAGS)" {
		t.Fatalf("expected a FLAGS fetch for the no-change path, got %q", rest)
	}
	s.HandleUntagged(fetchFlagsLine(10, "\\Seen"))
	s.HandleUntagged(fetchFlagsLine(11, "\\Flagged"))
	fi.replyOK(tag)

	if err := <-done; err != nil {
		t.Fatalf("Select: %v", err)
	}

	flags, ok, err := c.GetFlags(ctx, mailbox, 11)
	if err != nil || !ok {
		t.Fatalf("GetFlags(11) = %v, %v, %v", flags, ok, err)
	}
	if len(flags) != 1 || flags[0] != "\\Flagged" {
		t.Fatalf("flags for UID 11 = %v, want [\\Flagged] (the no-change path must persist the fetched flags)", flags)
	}
}

// TestSelectFullResyncFetchesFlags covers review comment (a)'s other
// half: a fresh full resync must learn every message's flags, not just
// its UID set.
func TestSelectFullResyncFetchesFlags(t *testing.T) {
	c := memcache.New()
	ctx := context.Background()
	mailbox := "INBOX"
	// no cached sync state at all -> DecisionFullResync

	fi := newFakeIssuer()
	s := New(c, fi, testLogger(t), nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Select(ctx, mailbox, false, false)
		done <- err
	}()

	tag, rest := fi.nextCommand(t)
	if !strings.HasPrefix(rest, "SELECT") {
		t.Fatalf("first command = %q, want SELECT", rest)
	}
	s.HandleUntagged(&wire.Response{Kind: wire.KindExists, Count: 1})
	s.HandleUntagged(&wire.Response{Kind: wire.KindStatusUntagged, Status: &wire.Status{Type: wire.StatusOK, Code: &wire.Code{Name: "UIDVALIDITY", Number: 7}}})
	fi.replyOK(tag)

	tag, rest = fi.nextCommand(t)
	if rest != "UID SEARCH ALL" {
		t.Fatalf("second command = %q, want UID SEARCH ALL", rest)
	}
	s.HandleUntagged(&wire.Response{Kind: wire.KindSearch, Search: &wire.Search{Nums: []uint32{5}}})
	fi.replyOK(tag)

	tag, rest = fi.nextCommand(t)
	if rest != "FETCH 1:* (UID FLAGS)" {
		t.Fatalf("third command = %q, want a FLAGS fetch after the full resync", rest)
	}
	s.HandleUntagged(fetchFlagsLine(5, "\\Seen"))
	fi.replyOK(tag)

	if err := <-done; err != nil {
		t.Fatalf("Select: %v", err)
	}
	flags, ok, err := c.GetFlags(ctx, mailbox, 5)
	if err != nil || !ok || len(flags) != 1 || flags[0] != "\\Seen" {
		t.Fatalf("GetFlags(5) = %v, %v, %v, want [\\Seen]", flags, ok, err)
	}
}

func TestClassifyDecisionTable(t *testing.T) {
	tests := []struct {
		name           string
		cached         cache.SyncState
		cachedOK       bool
		fresh          cache.SyncState
		qresyncElig    bool
		want           Decision
	}{
		{"no cache", cache.SyncState{}, false, cache.SyncState{UIDValidity: 1}, false, DecisionFullResync},
		{"uidvalidity changed", cache.SyncState{UIDValidity: 1}, true, cache.SyncState{UIDValidity: 2}, false, DecisionInvalidate},
		{"qresync eligible", cache.SyncState{UIDValidity: 1}, true, cache.SyncState{UIDValidity: 1}, true, DecisionQResync},
		{"no change", cache.SyncState{UIDValidity: 1, Exists: 2, UIDNext: 11}, true, cache.SyncState{UIDValidity: 1, Exists: 2, UIDNext: 11}, false, DecisionNoChange},
		{"append only", cache.SyncState{UIDValidity: 1, Exists: 2, UIDNext: 11}, true, cache.SyncState{UIDValidity: 1, Exists: 3, UIDNext: 12}, false, DecisionAppendOnly},
		{"reenumerate", cache.SyncState{UIDValidity: 1, Exists: 2, UIDNext: 11}, true, cache.SyncState{UIDValidity: 1, Exists: 1, UIDNext: 11}, false, DecisionReenumerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.cached, tt.cachedOK, tt.fresh, tt.qresyncElig)
			if got != tt.want {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}
}
