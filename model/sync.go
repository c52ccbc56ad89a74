package model

import (
	"github.com/fenilsonani/imapkit/mboxsync"
	"github.com/fenilsonani/imapkit/wire"
)

// ApplySelect rebuilds a mailbox's sequence table from a freshly
// reconciled mboxsync.MailboxState and marks it the selected mailbox,
// deselecting whatever was selected before (a connection has at most one
// selected mailbox at a time, spec.md section 4.5).
func (t *Tree) ApplySelect(state *mboxsync.MailboxState) Mailbox {
	t.mu.Lock()

	ref, ok := t.byName[state.Name]
	if !ok {
		ref = MailboxRef(len(t.mailboxes))
		t.mailboxes = append(t.mailboxes, newMailboxEntry(ref, MailboxMeta{Name: state.Name}))
		t.byName[state.Name] = ref
	}
	for _, other := range t.mailboxes {
		if other != nil {
			other.selected = other.ref == ref
		}
	}

	e := t.mailboxes[ref]
	e.sync = state.SyncState
	e.readOnly = state.ReadOnly
	e.meta.Flags = state.Flags

	messages := make([]MessageRef, len(state.UIDMap))
	for i, uid := range state.UIDMap {
		if uid == 0 {
			messages[i] = NoRef
			continue
		}
		messages[i] = t.internMessage(ref, uid)
	}
	e.messages = messages

	t.mu.Unlock()
	t.notify(Change{Kind: ChangeMailboxSync, Mailbox: ref})
	return Mailbox{tree: t, ref: ref}
}

// ApplyEvent folds one mboxsync.Event into the tree. It is the single
// subscriber a caller wires as the onUpdate callback passed to
// mboxsync.New.
func (t *Tree) ApplyEvent(ev mboxsync.Event) {
	t.mu.Lock()
	ref, ok := t.byName[ev.Mailbox]
	if !ok {
		t.mu.Unlock()
		return
	}
	e := t.mailboxes[ref]

	var change Change
	switch ev.Kind {
	case mboxsync.EventExists:
		change = t.applyExistsLocked(ref, e, ev)
	case mboxsync.EventExpunge:
		change = t.applyExpungeLocked(ref, e, ev)
	case mboxsync.EventVanished:
		change = t.applyVanishedLocked(ref, e, ev)
	case mboxsync.EventFlagsChanged:
		change = t.applyFlagsLocked(ref, ev)
	case mboxsync.EventFetchMerged:
		change = t.applyFetchMergedLocked(ref, ev)
	}
	t.mu.Unlock()
	t.notify(change)
}

func (t *Tree) applyExistsLocked(ref MailboxRef, e *mailboxEntry, ev mboxsync.Event) Change {
	for uint32(len(e.messages)) < ev.Seq {
		e.messages = append(e.messages, NoRef)
	}
	e.sync.Exists = ev.Seq
	return Change{Kind: ChangeMessageAdded, Mailbox: ref}
}

func (t *Tree) applyExpungeLocked(ref MailboxRef, e *mailboxEntry, ev mboxsync.Event) Change {
	idx := int(ev.Seq) - 1
	if idx >= 0 && idx < len(e.messages) {
		removed := e.messages[idx]
		e.messages = append(e.messages[:idx:idx], e.messages[idx+1:]...)
		if removed != NoRef {
			if me := t.messages[removed]; me != nil {
				t.forgetMessage(ref, me.uid)
			}
		}
	}
	if e.sync.Exists > 0 {
		e.sync.Exists--
	}
	return Change{Kind: ChangeMessageRemoved, Mailbox: ref}
}

func (t *Tree) applyVanishedLocked(ref MailboxRef, e *mailboxEntry, ev mboxsync.Event) Change {
	msgRef, ok := t.uidIndex[ref][ev.UID]
	if !ok {
		return Change{}
	}
	for i, r := range e.messages {
		if r == msgRef {
			e.messages = append(e.messages[:i:i], e.messages[i+1:]...)
			break
		}
	}
	t.forgetMessage(ref, ev.UID)
	if e.sync.Exists > 0 {
		e.sync.Exists--
	}
	return Change{Kind: ChangeMessageRemoved, Mailbox: ref, Message: msgRef}
}

func (t *Tree) applyFlagsLocked(ref MailboxRef, ev mboxsync.Event) Change {
	msgRef, ok := t.uidIndex[ref][ev.UID]
	if !ok {
		return Change{}
	}
	me := t.messages[msgRef]
	me.flags = append([]string{}, ev.Flags...)
	return Change{Kind: ChangeMessageFlags, Mailbox: ref, Message: msgRef}
}

func (t *Tree) applyFetchMergedLocked(ref MailboxRef, ev mboxsync.Event) Change {
	f := ev.Fetch
	if f == nil {
		return Change{}
	}
	uid := ev.UID
	if uid == 0 {
		if a, ok := f.Attr("UID"); ok {
			uid = a.UID
		}
	}
	if uid == 0 {
		return Change{}
	}

	msgRef := t.internMessage(ref, uid)
	me := t.messages[msgRef]
	me.envelopeLoading = false

	if a, ok := f.Attr("ENVELOPE"); ok && a.Envelope != nil {
		me.envelope = a.Envelope
	}
	if a, ok := f.Attr("BODYSTRUCTURE"); ok && a.BodyStructure != nil {
		me.bodyStructure = a.BodyStructure
	}
	if a, ok := f.Attr("INTERNALDATE"); ok {
		me.internalDate = a.InternalDate
	}
	if a, ok := f.Attr("RFC822.SIZE"); ok {
		me.size = a.RFC822Size
	}
	if a, ok := f.Attr("FLAGS"); ok {
		me.flags = append([]string{}, a.Flags...)
	}
	if a, ok := f.Attr("BODY"); ok && a.BodySection != nil {
		applyBodySection(me, a)
	}

	return Change{Kind: ChangeMessageLoaded, Mailbox: ref, Message: msgRef}
}

func applyBodySection(me *messageEntry, a wire.FetchAttr) {
	if a.BodySection == nil {
		return
	}
	me.bodyParts[a.BodySection.Section] = a.BodySection.Data
	delete(me.bodyPartsLoading, a.BodySection.Section)
}

// MarkEnvelopeLoading flags a message as having an outstanding
// ENVELOPE/BODYSTRUCTURE fetch, so Message.IsLoading reports true until
// the matching EventFetchMerged arrives. Callers use this right after
// issuing the FETCH so a view can show a loading placeholder immediately.
func (t *Tree) MarkEnvelopeLoading(mailbox string, uid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.byName[mailbox]
	if !ok {
		return
	}
	msgRef := t.internMessage(ref, uid)
	t.messages[msgRef].envelopeLoading = true
}

// MarkBodyPartLoading flags one MIME part as having an outstanding fetch.
func (t *Tree) MarkBodyPartLoading(mailbox string, uid uint32, partID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.byName[mailbox]
	if !ok {
		return
	}
	msgRef := t.internMessage(ref, uid)
	t.messages[msgRef].bodyPartsLoading[partID] = true
}
