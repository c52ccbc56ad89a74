package model

import "github.com/fenilsonani/imapkit/cache"

// MailboxMeta is the LIST-derived static metadata for a mailbox: the part
// that doesn't change on every sync pass. Kept split from the dynamic
// SyncState counters the way original_source's MailboxMetadata is split
// from SyncState (Design Note §9 / SPEC_FULL.md §3+).
type MailboxMeta struct {
	Name       string
	Separator  string
	Flags      []string // LIST attributes: \Noselect, \HasChildren, ...
	SpecialUse string
}

type mailboxEntry struct {
	ref      MailboxRef
	meta     MailboxMeta
	sync     cache.SyncState
	messages []MessageRef // index i holds the message at sequence number i+1
	selected bool
	readOnly bool
}

func newMailboxEntry(ref MailboxRef, meta MailboxMeta) *mailboxEntry {
	return &mailboxEntry{ref: ref, meta: meta}
}

// Mailbox is a handle onto one mailbox slot in a Tree.
type Mailbox struct {
	tree *Tree
	ref  MailboxRef
}

func (m Mailbox) Ref() MailboxRef { return m.ref }

func (m Mailbox) IsValid() bool {
	return m.tree != nil && m.tree.mailboxEntry(m.ref) != nil
}

func (m Mailbox) Meta() MailboxMeta {
	e := m.tree.mailboxEntry(m.ref)
	if e == nil {
		return MailboxMeta{}
	}
	return e.meta
}

// Sync returns the mailbox's last-known SyncState (EXISTS/UIDNEXT/
// UIDVALIDITY/HIGHESTMODSEQ).
func (m Mailbox) Sync() cache.SyncState {
	e := m.tree.mailboxEntry(m.ref)
	if e == nil {
		return cache.SyncState{}
	}
	return e.sync
}

// Selected reports whether this mailbox is the currently selected one and,
// if so, whether it was opened read-only (EXAMINE rather than SELECT).
func (m Mailbox) Selected() (selected, readOnly bool) {
	e := m.tree.mailboxEntry(m.ref)
	if e == nil {
		return false, false
	}
	return e.selected, e.readOnly
}

// Len returns the number of messages currently known in this mailbox.
func (m Mailbox) Len() int {
	e := m.tree.mailboxEntry(m.ref)
	if e == nil {
		return 0
	}
	return len(e.messages)
}

// MessageAt returns the message at 1-based sequence number seq. The
// second return is false if seq is out of range or the message's UID is
// still an unresolved placeholder.
func (m Mailbox) MessageAt(seq uint32) (Message, bool) {
	e := m.tree.mailboxEntry(m.ref)
	if e == nil || seq == 0 || int(seq) > len(e.messages) {
		return Message{}, false
	}
	ref := e.messages[seq-1]
	if ref == NoRef {
		return Message{}, false
	}
	return Message{tree: m.tree, ref: ref}, true
}

// Messages returns a snapshot of every message handle currently in the
// mailbox, in sequence-number order. Unresolved placeholder slots are
// included with a zero Ref so the slice length always matches Len().
func (m Mailbox) Messages() []Message {
	e := m.tree.mailboxEntry(m.ref)
	if e == nil {
		return nil
	}
	out := make([]Message, len(e.messages))
	for i, ref := range e.messages {
		out[i] = Message{tree: m.tree, ref: ref}
	}
	return out
}

// ByUID looks up a message by UID via a linear scan of the sequence
// table. Callers doing this often should keep their own UID index; the
// model doesn't maintain one since UID->seq shifts on every expunge.
func (m Mailbox) ByUID(uid uint32) (Message, bool) {
	e := m.tree.mailboxEntry(m.ref)
	if e == nil {
		return Message{}, false
	}
	for _, ref := range e.messages {
		if ref == NoRef {
			continue
		}
		me := m.tree.messageEntry(ref)
		if me != nil && me.uid == uid {
			return Message{tree: m.tree, ref: ref}, true
		}
	}
	return Message{}, false
}
