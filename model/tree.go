// Package model is the observable mailbox/message tree: a dense-indexed
// arena (Design Note §9) that mboxsync.Synchroniser feeds and that a
// view layer walks via MailboxRef/MessageRef handles, the same way
// teacher's storage.Mailbox/storage.Message rows are read by callers
// that don't care how they're stored underneath.
package model

import "sync"

// ChangeKind classifies one model.Change notification.
type ChangeKind int

const (
	ChangeMailboxSync ChangeKind = iota
	ChangeMessageAdded
	ChangeMessageRemoved
	ChangeMessageFlags
	ChangeMessageLoaded
)

// Change is delivered to a Tree's onChange callback after every mutation.
// It names what changed, not the new value — callers re-read through the
// Mailbox/Message handle, which always reflects current state.
type Change struct {
	Kind    ChangeKind
	Mailbox MailboxRef
	Message MessageRef
}

// Tree owns every mailbox and message slab and is safe for concurrent
// reads (handle method calls) while a single writer (the sync bridge in
// sync.go) applies mutations.
type Tree struct {
	mu        sync.RWMutex
	mailboxes []*mailboxEntry
	messages  []*messageEntry
	byName    map[string]MailboxRef
	uidIndex  map[MailboxRef]map[uint32]MessageRef
	onChange  func(Change)

	// fetchRequester is invoked by Message.Attr/BodyPart.Data when a
	// caller asks for data that hasn't been loaded yet, so attribute
	// access itself triggers the fetch rather than only exposing a
	// sentinel for some other layer to notice (spec.md section 4.9).
	// partID is empty for an envelope/body-structure request.
	fetchRequester func(mailbox string, uid uint32, partID string)

	// errorC is the single error channel spec.md sections 6 and 7
	// describe: failures that can't surface through a Change are reported
	// here instead of panicking. Client.requestFetch reports failed lazy
	// fetches on it; cache write failures are not reported here (mboxsync
	// returns or discards them).
	errorC chan error
}

// NewTree returns an empty Tree. onChange may be nil if the caller polls
// handles directly instead of reacting to notifications.
func NewTree(onChange func(Change)) *Tree {
	return &Tree{
		mailboxes: []*mailboxEntry{nil}, // slot 0 is NoRef
		messages:  []*messageEntry{nil},
		byName:    map[string]MailboxRef{},
		uidIndex:  map[MailboxRef]map[uint32]MessageRef{},
		onChange:  onChange,
		errorC:    make(chan error, 64),
	}
}

func (t *Tree) notify(c Change) {
	if t.onChange != nil {
		t.onChange(c)
	}
}

// SetFetchRequester registers the callback Message.Attr and BodyPart.Data
// use to ask for a load when they're read before the data arrives. The
// callback must not block; it typically submits a task.Task and returns.
func (t *Tree) SetFetchRequester(fn func(mailbox string, uid uint32, partID string)) {
	t.mu.Lock()
	t.fetchRequester = fn
	t.mu.Unlock()
}

// Errors returns the Tree's single error channel. A caller should drain
// it continuously (e.g. into its own logger); the channel is buffered
// but not unbounded, so a slow or absent reader eventually causes
// ReportError to drop reports rather than block a writer.
func (t *Tree) Errors() <-chan error {
	return t.errorC
}

// ReportError delivers err to whatever is reading Errors(). It never
// blocks: a full channel means the report is dropped.
func (t *Tree) ReportError(err error) {
	if err == nil {
		return
	}
	select {
	case t.errorC <- err:
	default:
	}
}

// requestEnvelopeFetch marks ref's envelope/body-structure load as
// outstanding and asks the fetch requester to go get it, unless a fetch
// is already in flight. It is a no-op if no requester was registered
// (e.g. in tests that only exercise the cache-backed arena directly).
func (t *Tree) requestEnvelopeFetch(ref MessageRef) {
	t.mu.Lock()
	e := t.messages[ref]
	if e == nil || e.envelopeLoading {
		t.mu.Unlock()
		return
	}
	e.envelopeLoading = true
	mailboxName := ""
	if mb := t.mailboxes[e.mailbox]; mb != nil {
		mailboxName = mb.meta.Name
	}
	uid := e.uid
	requester := t.fetchRequester
	t.mu.Unlock()

	if requester != nil {
		requester(mailboxName, uid, "")
	}
}

// requestBodyPartFetch is BodyPart's analog of requestEnvelopeFetch.
func (t *Tree) requestBodyPartFetch(ref MessageRef, partID string) {
	t.mu.Lock()
	e := t.messages[ref]
	if e == nil || e.bodyPartsLoading[partID] {
		t.mu.Unlock()
		return
	}
	e.bodyPartsLoading[partID] = true
	mailboxName := ""
	if mb := t.mailboxes[e.mailbox]; mb != nil {
		mailboxName = mb.meta.Name
	}
	uid := e.uid
	requester := t.fetchRequester
	t.mu.Unlock()

	if requester != nil {
		requester(mailboxName, uid, partID)
	}
}

func (t *Tree) mailboxEntry(ref MailboxRef) *mailboxEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ref == NoRef || int(ref) >= len(t.mailboxes) {
		return nil
	}
	return t.mailboxes[ref]
}

func (t *Tree) messageEntry(ref MessageRef) *messageEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ref == NoRef || int(ref) >= len(t.messages) {
		return nil
	}
	return t.messages[ref]
}

// EnsureMailbox returns the handle for meta.Name, creating a slot (or
// refreshing its static metadata) if needed. Used to seed the tree from
// a LIST response independently of any SELECT.
func (t *Tree) EnsureMailbox(meta MailboxMeta) Mailbox {
	t.mu.Lock()
	ref, ok := t.byName[meta.Name]
	if ok {
		t.mailboxes[ref].meta = meta
	} else {
		ref = MailboxRef(len(t.mailboxes))
		t.mailboxes = append(t.mailboxes, newMailboxEntry(ref, meta))
		t.byName[meta.Name] = ref
	}
	t.mu.Unlock()
	return Mailbox{tree: t, ref: ref}
}

// MailboxByName looks up an existing mailbox handle by name.
func (t *Tree) MailboxByName(name string) (Mailbox, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.byName[name]
	if !ok {
		return Mailbox{}, false
	}
	return Mailbox{tree: t, ref: ref}, true
}

// internMessage returns the MessageRef for (mailbox, uid), creating a
// slab entry the first time it's seen. Caller must hold t.mu.
func (t *Tree) internMessage(mailbox MailboxRef, uid uint32) MessageRef {
	idx, ok := t.uidIndex[mailbox]
	if !ok {
		idx = map[uint32]MessageRef{}
		t.uidIndex[mailbox] = idx
	}
	if ref, ok := idx[uid]; ok {
		return ref
	}
	ref := MessageRef(len(t.messages))
	t.messages = append(t.messages, newMessageEntry(ref, mailbox, uid))
	idx[uid] = ref
	return ref
}

func (t *Tree) forgetMessage(mailbox MailboxRef, uid uint32) {
	if idx, ok := t.uidIndex[mailbox]; ok {
		delete(idx, uid)
	}
}
