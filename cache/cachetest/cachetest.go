// Package cachetest exercises the cache.Cache contract against any
// backend, the way testing/fstest.TestFS conformance-tests any fs.FS
// implementation: one shared suite, run once per backend from that
// backend's own _test.go file so go test reports failures against the
// right package.
package cachetest

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/fenilsonani/imapkit/cache"
	"github.com/fenilsonani/imapkit/wire"
)

// RunConformance runs the full cache.Cache contract against c. c should
// be empty; RunConformance writes and reads back under mailbox names it
// owns ("INBOX", "Archive") and does not attempt to clean up afterward,
// so callers using a shared/persistent backend should pass a
// fresh/namespaced instance.
func RunConformance(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SyncState", func(t *testing.T) { testSyncState(t, ctx, c) })
	t.Run("UIDMap", func(t *testing.T) { testUIDMap(t, ctx, c) })
	t.Run("MessageMetadata", func(t *testing.T) { testMessageMetadata(t, ctx, c) })
	t.Run("Flags", func(t *testing.T) { testFlags(t, ctx, c) })
	t.Run("BodyPart", func(t *testing.T) { testBodyPart(t, ctx, c) })
	t.Run("Threading", func(t *testing.T) { testThreading(t, ctx, c) })
	t.Run("ClearMessage", func(t *testing.T) { testClearMessage(t, ctx, c) })
	t.Run("ClearAllMessages", func(t *testing.T) { testClearAllMessages(t, ctx, c) })
}

func testSyncState(t *testing.T, ctx context.Context, c cache.Cache) {
	if _, ok, err := c.GetSyncState(ctx, "INBOX"); err != nil || ok {
		t.Fatalf("GetSyncState on unseen mailbox = %v, %v, want ok=false", ok, err)
	}

	want := cache.SyncState{UIDValidity: 7, UIDNext: 12, Exists: 3, HighestModSeq: 99}
	if err := c.SetSyncState(ctx, "INBOX", want); err != nil {
		t.Fatalf("SetSyncState: %v", err)
	}
	got, ok, err := c.GetSyncState(ctx, "INBOX")
	if err != nil || !ok {
		t.Fatalf("GetSyncState after set = %v, %v", ok, err)
	}
	if got != want {
		t.Fatalf("GetSyncState = %+v, want %+v", got, want)
	}

	// A second mailbox's state must not leak into this one.
	if _, ok, err := c.GetSyncState(ctx, "Archive"); err != nil || ok {
		t.Fatalf("GetSyncState(Archive) = %v, %v, want ok=false (state must be per-mailbox)", ok, err)
	}
}

func testUIDMap(t *testing.T, ctx context.Context, c cache.Cache) {
	if _, ok, err := c.GetUIDMap(ctx, "INBOX"); err != nil || ok {
		t.Fatalf("GetUIDMap on unseen mailbox = %v, %v, want ok=false", ok, err)
	}

	want := []uint32{10, 11, 0, 13}
	if err := c.SetUIDMap(ctx, "INBOX", want); err != nil {
		t.Fatalf("SetUIDMap: %v", err)
	}
	got, ok, err := c.GetUIDMap(ctx, "INBOX")
	if err != nil || !ok {
		t.Fatalf("GetUIDMap after set = %v, %v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetUIDMap = %v, want %v", got, want)
	}

	if err := c.ClearUIDMap(ctx, "INBOX"); err != nil {
		t.Fatalf("ClearUIDMap: %v", err)
	}
	if _, ok, err := c.GetUIDMap(ctx, "INBOX"); err != nil || ok {
		t.Fatalf("GetUIDMap after ClearUIDMap = %v, %v, want ok=false", ok, err)
	}
}

func testMessageMetadata(t *testing.T, ctx context.Context, c cache.Cache) {
	if _, ok, err := c.GetMessageMetadata(ctx, "INBOX", 42); err != nil || ok {
		t.Fatalf("GetMessageMetadata on unseen uid = %v, %v, want ok=false", ok, err)
	}

	want := cache.MessageMetadata{
		Envelope:     &wire.Envelope{Subject: "hello"},
		InternalDate: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Size:         1234,
	}
	if err := c.SetMessageMetadata(ctx, "INBOX", 42, want); err != nil {
		t.Fatalf("SetMessageMetadata: %v", err)
	}
	got, ok, err := c.GetMessageMetadata(ctx, "INBOX", 42)
	if err != nil || !ok {
		t.Fatalf("GetMessageMetadata after set = %v, %v", ok, err)
	}
	if got.Envelope == nil || got.Envelope.Subject != want.Envelope.Subject {
		t.Fatalf("GetMessageMetadata.Envelope = %+v, want subject %q", got.Envelope, want.Envelope.Subject)
	}
	if got.Size != want.Size || !got.InternalDate.Equal(want.InternalDate) {
		t.Fatalf("GetMessageMetadata = %+v, want size=%d date=%v", got, want.Size, want.InternalDate)
	}
}

func testFlags(t *testing.T, ctx context.Context, c cache.Cache) {
	if _, ok, err := c.GetFlags(ctx, "INBOX", 42); err != nil || ok {
		t.Fatalf("GetFlags on unseen uid = %v, %v, want ok=false", ok, err)
	}

	want := []string{"\\Seen", "\\Flagged"}
	if err := c.SetFlags(ctx, "INBOX", 42, want); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	got, ok, err := c.GetFlags(ctx, "INBOX", 42)
	if err != nil || !ok {
		t.Fatalf("GetFlags after set = %v, %v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetFlags = %v, want %v", got, want)
	}

	// Flags update independently of metadata (spec.md section 4.7: "flag
	// updates never invalidate envelope or body caches").
	if err := c.SetMessageMetadata(ctx, "INBOX", 42, cache.MessageMetadata{Size: 99}); err != nil {
		t.Fatalf("SetMessageMetadata: %v", err)
	}
	if err := c.SetFlags(ctx, "INBOX", 42, []string{"\\Answered"}); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	meta, ok, err := c.GetMessageMetadata(ctx, "INBOX", 42)
	if err != nil || !ok || meta.Size != 99 {
		t.Fatalf("metadata disturbed by a flags update: %+v, %v, %v", meta, ok, err)
	}
}

func testBodyPart(t *testing.T, ctx context.Context, c cache.Cache) {
	if _, ok, err := c.GetBodyPart(ctx, "INBOX", 42, "1.2"); err != nil || ok {
		t.Fatalf("GetBodyPart on unseen part = %v, %v, want ok=false", ok, err)
	}

	want := []byte("part body")
	if err := c.SetBodyPart(ctx, "INBOX", 42, "1.2", want); err != nil {
		t.Fatalf("SetBodyPart: %v", err)
	}
	got, ok, err := c.GetBodyPart(ctx, "INBOX", 42, "1.2")
	if err != nil || !ok || string(got) != string(want) {
		t.Fatalf("GetBodyPart = %q, %v, %v, want %q, true, nil", got, ok, err, want)
	}

	// A different part ID for the same message is independent.
	if _, ok, err := c.GetBodyPart(ctx, "INBOX", 42, ""); err != nil || ok {
		t.Fatalf("GetBodyPart(\"\") = %v, %v, want ok=false (parts are keyed independently)", ok, err)
	}
}

func testThreading(t *testing.T, ctx context.Context, c cache.Cache) {
	if _, ok, err := c.GetThreading(ctx, "INBOX"); err != nil || ok {
		t.Fatalf("GetThreading on unseen mailbox = %v, %v, want ok=false", ok, err)
	}

	want := []wire.ThreadNode{{Num: 1, Children: []wire.ThreadNode{{Num: 2}}}}
	if err := c.SetThreading(ctx, "INBOX", want); err != nil {
		t.Fatalf("SetThreading: %v", err)
	}
	got, ok, err := c.GetThreading(ctx, "INBOX")
	if err != nil || !ok {
		t.Fatalf("GetThreading after set = %v, %v", ok, err)
	}
	if len(got) != 1 || got[0].Num != 1 || len(got[0].Children) != 1 || got[0].Children[0].Num != 2 {
		t.Fatalf("GetThreading = %+v, want %+v", got, want)
	}
}

func testClearMessage(t *testing.T, ctx context.Context, c cache.Cache) {
	if err := c.SetFlags(ctx, "INBOX", 50, []string{"\\Seen"}); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if err := c.SetMessageMetadata(ctx, "INBOX", 50, cache.MessageMetadata{Size: 1}); err != nil {
		t.Fatalf("SetMessageMetadata: %v", err)
	}
	if err := c.SetBodyPart(ctx, "INBOX", 50, "", []byte("x")); err != nil {
		t.Fatalf("SetBodyPart: %v", err)
	}

	if err := c.ClearMessage(ctx, "INBOX", 50); err != nil {
		t.Fatalf("ClearMessage: %v", err)
	}

	if _, ok, err := c.GetFlags(ctx, "INBOX", 50); err != nil || ok {
		t.Errorf("GetFlags after ClearMessage = %v, %v, want ok=false", ok, err)
	}
	if _, ok, err := c.GetMessageMetadata(ctx, "INBOX", 50); err != nil || ok {
		t.Errorf("GetMessageMetadata after ClearMessage = %v, %v, want ok=false", ok, err)
	}
	if _, ok, err := c.GetBodyPart(ctx, "INBOX", 50, ""); err != nil || ok {
		t.Errorf("GetBodyPart after ClearMessage = %v, %v, want ok=false", ok, err)
	}
}

func testClearAllMessages(t *testing.T, ctx context.Context, c cache.Cache) {
	mailbox := "Archive"
	if err := c.SetSyncState(ctx, mailbox, cache.SyncState{UIDValidity: 5, Exists: 2, UIDNext: 62}); err != nil {
		t.Fatalf("SetSyncState: %v", err)
	}
	if err := c.SetFlags(ctx, mailbox, 60, []string{"\\Seen"}); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if err := c.SetFlags(ctx, mailbox, 61, []string{"\\Flagged"}); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if err := c.SetUIDMap(ctx, mailbox, []uint32{60, 61}); err != nil {
		t.Fatalf("SetUIDMap: %v", err)
	}

	if err := c.ClearAllMessages(ctx, mailbox); err != nil {
		t.Fatalf("ClearAllMessages: %v", err)
	}

	if _, ok, err := c.GetFlags(ctx, mailbox, 60); err != nil || ok {
		t.Errorf("GetFlags(60) after ClearAllMessages = %v, %v, want ok=false", ok, err)
	}
	if _, ok, err := c.GetFlags(ctx, mailbox, 61); err != nil || ok {
		t.Errorf("GetFlags(61) after ClearAllMessages = %v, %v, want ok=false", ok, err)
	}
	if _, ok, err := c.GetUIDMap(ctx, mailbox); err != nil || ok {
		t.Errorf("GetUIDMap after ClearAllMessages = %v, %v, want ok=false (the UID map is now stale too)", ok, err)
	}

	// SyncState is the one thing ClearAllMessages leaves alone: the
	// DecisionInvalidate/DecisionFullResync caller always persists a
	// fresh SyncState of its own right after (spec.md section 4.7).
	if _, ok, err := c.GetSyncState(ctx, mailbox); err != nil || !ok {
		t.Errorf("GetSyncState after ClearAllMessages = %v, %v, want ok=true", ok, err)
	}
}
