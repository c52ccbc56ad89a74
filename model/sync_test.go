package model

import (
	"testing"

	"github.com/fenilsonani/imapkit/cache"
	"github.com/fenilsonani/imapkit/mboxsync"
	"github.com/fenilsonani/imapkit/wire"
)

func TestApplySelectBuildsSequenceTableAndSelects(t *testing.T) {
	var changes []Change
	tr := NewTree(func(c Change) { changes = append(changes, c) })

	mb := tr.ApplySelect(&mboxsync.MailboxState{
		Name:      "INBOX",
		ReadOnly:  false,
		SyncState: cache.SyncState{UIDValidity: 1, Exists: 2, UIDNext: 11},
		UIDMap:    []uint32{10, 11},
		Flags:     []string{"\\Seen", "\\Flagged"},
	})

	if mb.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", mb.Len())
	}
	selected, readOnly := mb.Selected()
	if !selected || readOnly {
		t.Fatalf("Selected() = %v, %v, want true, false", selected, readOnly)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeMailboxSync {
		t.Fatalf("changes = %v, want one ChangeMailboxSync", changes)
	}

	msg, ok := mb.MessageAt(2)
	if !ok || msg.UID() != 11 {
		t.Fatalf("MessageAt(2) = %v, %v, want uid 11", msg.UID(), ok)
	}
	if got, ok := mb.ByUID(10); !ok || got.UID() != 10 {
		t.Fatalf("ByUID(10) = %v, %v", got.UID(), ok)
	}
}

// TestApplySelectDeselectsPrevious covers the "at most one mailbox is
// selected at a time" invariant: selecting a second mailbox clears the
// first one's Selected flag.
func TestApplySelectDeselectsPrevious(t *testing.T) {
	tr := NewTree(nil)
	inbox := tr.ApplySelect(&mboxsync.MailboxState{Name: "INBOX", SyncState: cache.SyncState{UIDValidity: 1}})
	sent := tr.ApplySelect(&mboxsync.MailboxState{Name: "Sent", SyncState: cache.SyncState{UIDValidity: 2}})

	if selected, _ := inbox.Selected(); selected {
		t.Error("INBOX should no longer be selected after selecting Sent")
	}
	if selected, _ := sent.Selected(); !selected {
		t.Error("Sent should be selected")
	}
}

func selectOneMailbox(t *testing.T, tr *Tree, name string, uids ...uint32) Mailbox {
	t.Helper()
	return tr.ApplySelect(&mboxsync.MailboxState{
		Name:      name,
		SyncState: cache.SyncState{UIDValidity: 1, Exists: uint32(len(uids)), UIDNext: uids[len(uids)-1] + 1},
		UIDMap:    append([]uint32{}, uids...),
	})
}

func TestApplyEventExistsGrowsSequenceTable(t *testing.T) {
	tr := NewTree(nil)
	mb := selectOneMailbox(t, tr, "INBOX", 10)

	tr.ApplyEvent(mboxsync.Event{Mailbox: "INBOX", Kind: mboxsync.EventExists, Seq: 2})

	if mb.Len() != 2 {
		t.Fatalf("Len() after EventExists = %d, want 2", mb.Len())
	}
	if _, ok := mb.MessageAt(2); ok {
		t.Error("sequence 2 should still be an unresolved placeholder until its FETCH merges")
	}
}

func TestApplyEventExpungeRemovesBySeq(t *testing.T) {
	tr := NewTree(nil)
	mb := selectOneMailbox(t, tr, "INBOX", 10, 11, 12)

	tr.ApplyEvent(mboxsync.Event{Mailbox: "INBOX", Kind: mboxsync.EventExpunge, Seq: 2})

	if mb.Len() != 2 {
		t.Fatalf("Len() after expunge = %d, want 2", mb.Len())
	}
	if _, ok := mb.ByUID(11); ok {
		t.Error("expunged UID 11 should no longer be found")
	}
	first, ok := mb.MessageAt(1)
	if !ok || first.UID() != 10 {
		t.Fatalf("seq 1 = %d, want uid 10", first.UID())
	}
	second, ok := mb.MessageAt(2)
	if !ok || second.UID() != 12 {
		t.Fatalf("seq 2 after expunge = %d, want uid 12 (seq 3 shifted down)", second.UID())
	}
}

func TestApplyEventVanishedRemovesByUID(t *testing.T) {
	tr := NewTree(nil)
	mb := selectOneMailbox(t, tr, "INBOX", 10, 11)

	tr.ApplyEvent(mboxsync.Event{Mailbox: "INBOX", Kind: mboxsync.EventVanished, UID: 10})

	if mb.Len() != 1 {
		t.Fatalf("Len() after vanished = %d, want 1", mb.Len())
	}
	if _, ok := mb.ByUID(10); ok {
		t.Error("vanished UID 10 should no longer be found")
	}
	remaining, ok := mb.MessageAt(1)
	if !ok || remaining.UID() != 11 {
		t.Fatalf("remaining message = %d, want uid 11", remaining.UID())
	}
}

func TestApplyEventFlagsChanged(t *testing.T) {
	tr := NewTree(nil)
	_ = selectOneMailbox(t, tr, "INBOX", 10)

	tr.ApplyEvent(mboxsync.Event{Mailbox: "INBOX", Kind: mboxsync.EventFlagsChanged, UID: 10, Flags: []string{"\\Answered"}})

	msg, ok := tr.MailboxByName("INBOX")
	if !ok {
		t.Fatal("MailboxByName(INBOX) not found")
	}
	m, ok := msg.ByUID(10)
	if !ok {
		t.Fatal("ByUID(10) not found")
	}
	flags := m.Flags()
	if len(flags) != 1 || flags[0] != "\\Answered" {
		t.Fatalf("Flags() = %v, want [\\Answered]", flags)
	}
}

// TestAttrTriggersFetchWhenEnvelopeMissing covers spec.md section 4.9:
// reading an envelope-backed attribute before the envelope has loaded
// must itself trigger the fetch, not just report ok=false.
func TestAttrTriggersFetchWhenEnvelopeMissing(t *testing.T) {
	tr := NewTree(nil)
	mb := selectOneMailbox(t, tr, "INBOX", 10)

	var requested []uint32
	tr.SetFetchRequester(func(mailbox string, uid uint32, partID string) {
		if mailbox != "INBOX" || partID != "" {
			t.Errorf("fetch requester called with mailbox=%q partID=%q, want INBOX/\"\"", mailbox, partID)
		}
		requested = append(requested, uid)
	})

	msg, _ := mb.MessageAt(1)
	if _, ok := msg.Attr(RoleSubject); ok {
		t.Error("Attr should report ok=false before the envelope has loaded")
	}
	if len(requested) != 1 || requested[0] != 10 {
		t.Fatalf("requested = %v, want a single fetch for uid 10", requested)
	}

	// A second read while the fetch is still outstanding must not
	// request it again.
	msg.Attr(RoleSubject)
	if len(requested) != 1 {
		t.Fatalf("requested = %v, want no duplicate fetch while one is in flight", requested)
	}
}

// TestApplyFetchMergedResolvesAttrAndClearsLoading covers the other half
// of the lazy-load path: once the FETCH reply is folded in via
// ApplyEvent, Attr returns real data and IsLoading clears.
func TestApplyFetchMergedResolvesAttrAndClearsLoading(t *testing.T) {
	tr := NewTree(nil)
	mb := selectOneMailbox(t, tr, "INBOX", 10)
	tr.MarkEnvelopeLoading("INBOX", 10)

	msg, _ := mb.MessageAt(1)
	if !msg.IsLoading() {
		t.Fatal("IsLoading() should be true after MarkEnvelopeLoading")
	}

	tr.ApplyEvent(mboxsync.Event{
		Mailbox: "INBOX",
		Kind:    mboxsync.EventFetchMerged,
		UID:     10,
		Fetch: &wire.Fetch{Attrs: []wire.FetchAttr{
			{Name: "UID", UID: 10},
			{Name: "ENVELOPE", Envelope: &wire.Envelope{Subject: "hello", From: []wire.Address{{Mailbox: "a", Host: "b.com"}}}},
		}},
	})

	if msg.IsLoading() {
		t.Error("IsLoading() should be false once the envelope fetch merged")
	}
	subject, ok := msg.Attr(RoleSubject)
	if !ok || subject != "hello" {
		t.Fatalf("Attr(RoleSubject) = %q, %v, want \"hello\", true", subject, ok)
	}
}

// TestBodyPartDataTriggersFetch mirrors TestAttrTriggersFetchWhenEnvelopeMissing
// for BodyPart, the other lazy-load call site spec.md section 4.9 names.
func TestBodyPartDataTriggersFetch(t *testing.T) {
	tr := NewTree(nil)
	mb := selectOneMailbox(t, tr, "INBOX", 10)

	var gotPartID string
	requests := 0
	tr.SetFetchRequester(func(mailbox string, uid uint32, partID string) {
		requests++
		gotPartID = partID
	})

	msg, _ := mb.MessageAt(1)
	part := msg.Part("1.2")
	if _, ok := part.Data(); ok {
		t.Error("Data() should report ok=false before the part has loaded")
	}
	if requests != 1 || gotPartID != "1.2" {
		t.Fatalf("requests=%d partID=%q, want 1 request for \"1.2\"", requests, gotPartID)
	}

	tr.ApplyEvent(mboxsync.Event{
		Mailbox: "INBOX",
		Kind:    mboxsync.EventFetchMerged,
		UID:     10,
		Fetch: &wire.Fetch{Attrs: []wire.FetchAttr{
			{Name: "UID", UID: 10},
			{Name: "BODY", BodySection: &wire.BodySection{Section: "1.2", Data: []byte("part body")}},
		}},
	})

	data, ok := part.Data()
	if !ok || string(data) != "part body" {
		t.Fatalf("Data() = %q, %v, want \"part body\", true", data, ok)
	}
}

// TestErrorsChannelIsNonBlocking covers the single error channel spec.md
// sections 6 and 7 describe: ReportError never blocks, even once the
// channel is full, and a nil error is simply dropped.
func TestErrorsChannelIsNonBlocking(t *testing.T) {
	tr := NewTree(nil)
	tr.ReportError(nil)
	select {
	case err := <-tr.Errors():
		t.Fatalf("ReportError(nil) should not deliver anything, got %v", err)
	default:
	}

	for i := 0; i < 100; i++ {
		tr.ReportError(errTestSentinel)
	}

	got := <-tr.Errors()
	if got != errTestSentinel {
		t.Fatalf("Errors() delivered %v, want errTestSentinel", got)
	}
}

var errTestSentinel = sentinelError("model: test sentinel")

type sentinelError string

func (e sentinelError) Error() string { return string(e) }
