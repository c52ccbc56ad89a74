package model

import (
	"strconv"
	"time"

	"github.com/fenilsonani/imapkit/wire"
)

// AttrRole names one role-typed attribute a caller can ask a Message for,
// mirroring how teacher's storage.Message exposes named fields but adding
// a uniform lookup path the model/view layer can use without a type
// switch per attribute.
type AttrRole int

const (
	RoleSubject AttrRole = iota
	RoleFrom
	RoleTo
	RoleDate
	RoleMessageID
	RoleSize
)

type messageEntry struct {
	ref     MessageRef
	mailbox MailboxRef
	uid     uint32
	flags   []string

	envelope        *wire.Envelope
	bodyStructure   *wire.BodyStructure
	internalDate    time.Time
	size            uint32
	envelopeLoading bool // a FETCH for envelope/body-structure is in flight

	bodyParts        map[string][]byte
	bodyPartsLoading map[string]bool
}

func newMessageEntry(ref MessageRef, mailbox MailboxRef, uid uint32) *messageEntry {
	return &messageEntry{
		ref:              ref,
		mailbox:          mailbox,
		uid:              uid,
		bodyParts:        map[string][]byte{},
		bodyPartsLoading: map[string]bool{},
	}
}

// Message is a handle onto one message slot in a Tree. It is cheap to
// copy and stays valid even while the entry behind it is mutated or
// (after an expunge) removed — callers that hold a stale ref get IsValid
// false and zero values back rather than a panic.
type Message struct {
	tree *Tree
	ref  MessageRef
}

// Ref returns the stable reference this handle wraps.
func (m Message) Ref() MessageRef { return m.ref }

// IsValid reports whether the ref still names a live message.
func (m Message) IsValid() bool {
	return m.tree != nil && m.tree.messageEntry(m.ref) != nil
}

// UID returns the message's UID, or 0 if its slot has been expunged or
// its UID hasn't been resolved yet (spec.md section 4.7 placeholder case).
func (m Message) UID() uint32 {
	e := m.tree.messageEntry(m.ref)
	if e == nil {
		return 0
	}
	return e.uid
}

func (m Message) Flags() []string {
	e := m.tree.messageEntry(m.ref)
	if e == nil {
		return nil
	}
	return append([]string{}, e.flags...)
}

// IsLoading reports whether an envelope/body-structure fetch for this
// message is currently outstanding — the lazy-load sentinel a view uses
// to render a placeholder row instead of blank fields.
func (m Message) IsLoading() bool {
	e := m.tree.messageEntry(m.ref)
	return e != nil && e.envelope == nil && e.envelopeLoading
}

func (m Message) Envelope() *wire.Envelope {
	e := m.tree.messageEntry(m.ref)
	if e == nil {
		return nil
	}
	return e.envelope
}

func (m Message) Subject() string {
	e := m.tree.messageEntry(m.ref)
	if e == nil || e.envelope == nil {
		return ""
	}
	return e.envelope.Subject
}

func (m Message) InternalDate() time.Time {
	e := m.tree.messageEntry(m.ref)
	if e == nil {
		return time.Time{}
	}
	return e.internalDate
}

func (m Message) Size() uint32 {
	e := m.tree.messageEntry(m.ref)
	if e == nil {
		return 0
	}
	return e.size
}

// Attr returns one role-typed attribute as a display string. Requesting
// an envelope-backed role on a message whose envelope hasn't loaded yet
// triggers the fetch itself — via the Tree's registered fetch requester
// — and returns ok=false; the caller doesn't need to separately check
// IsLoading and request the load (spec.md section 4.9).
func (m Message) Attr(role AttrRole) (string, bool) {
	e := m.tree.messageEntry(m.ref)
	if e == nil {
		return "", false
	}
	if role != RoleSize && e.envelope == nil {
		m.tree.requestEnvelopeFetch(m.ref)
		return "", false
	}
	switch role {
	case RoleSubject:
		return e.envelope.Subject, true
	case RoleFrom:
		if len(e.envelope.From) == 0 {
			return "", false
		}
		return formatAddress(e.envelope.From[0]), true
	case RoleTo:
		if len(e.envelope.To) == 0 {
			return "", false
		}
		return formatAddress(e.envelope.To[0]), true
	case RoleDate:
		return e.envelope.Date.Format(time.RFC1123Z), true
	case RoleMessageID:
		return e.envelope.MessageID, true
	case RoleSize:
		return strconv.FormatUint(uint64(e.size), 10), e.size != 0
	default:
		return "", false
	}
}

func formatAddress(a wire.Address) string {
	addr := a.Mailbox + "@" + a.Host
	if a.Name != "" {
		return a.Name + " <" + addr + ">"
	}
	return addr
}

// BodyPart is a handle onto one fetched or pending MIME part of a message.
type BodyPart struct {
	tree   *Tree
	msg    MessageRef
	partID string
}

// Part returns a handle for the given BODY[] section identifier (e.g.
// "" for the whole message, "1", "1.2", "HEADER", "1.MIME"). The part's
// bytes aren't necessarily fetched yet; call Data to read or trigger the
// load.
func (m Message) Part(partID string) BodyPart {
	return BodyPart{tree: m.tree, msg: m.ref, partID: partID}
}

// Data returns the part's bytes and whether they've been fetched yet. If
// not, it triggers the fetch (spec.md section 4.9) the same way Attr
// does for an envelope-backed role.
func (b BodyPart) Data() ([]byte, bool) {
	e := b.tree.messageEntry(b.msg)
	if e == nil {
		return nil, false
	}
	data, ok := e.bodyParts[b.partID]
	if !ok {
		b.tree.requestBodyPartFetch(b.msg, b.partID)
	}
	return data, ok
}

// IsLoading reports whether a fetch for this specific part is outstanding.
func (b BodyPart) IsLoading() bool {
	e := b.tree.messageEntry(b.msg)
	return e != nil && e.bodyPartsLoading[b.partID]
}
