package wire

import "time"

// Kind identifies which variant of the closed IMAP response grammar a
// Response carries (RFC 3501 section 7, plus the IMAP4rev1 extensions
// named in spec.md section 6, plus two response kinds synthesized by the
// connection engine itself).
type Kind int

const (
	KindUnknown Kind = iota
	KindStatusTagged
	KindStatusUntagged
	KindCapability
	KindExists
	KindRecent
	KindExpunge
	KindFetch
	KindList
	KindLSub
	KindFlags
	KindSearch
	KindESearch
	KindMailboxStatus // the untagged "STATUS mailbox (...)" response
	KindNamespace
	KindSort
	KindThread
	KindID
	KindEnabled
	KindVanished
	KindGenURLAuth
	KindContinuation

	// Synthetic, injected by the connection engine rather than parsed
	// off the wire (spec.md section 4.2).
	KindSocketEncrypted
	KindSocketDisconnected
	KindParseError
)

func (k Kind) String() string {
	switch k {
	case KindStatusTagged:
		return "tagged-status"
	case KindStatusUntagged:
		return "untagged-status"
	case KindCapability:
		return "capability"
	case KindExists:
		return "exists"
	case KindRecent:
		return "recent"
	case KindExpunge:
		return "expunge"
	case KindFetch:
		return "fetch"
	case KindList:
		return "list"
	case KindLSub:
		return "lsub"
	case KindFlags:
		return "flags"
	case KindSearch:
		return "search"
	case KindESearch:
		return "esearch"
	case KindMailboxStatus:
		return "status"
	case KindNamespace:
		return "namespace"
	case KindSort:
		return "sort"
	case KindThread:
		return "thread"
	case KindID:
		return "id"
	case KindEnabled:
		return "enabled"
	case KindVanished:
		return "vanished"
	case KindGenURLAuth:
		return "genurlauth"
	case KindContinuation:
		return "continuation"
	case KindSocketEncrypted:
		return "socket-encrypted"
	case KindSocketDisconnected:
		return "socket-disconnected"
	case KindParseError:
		return "parse-error"
	default:
		return "unknown"
	}
}

// StatusType is OK, NO, BAD, BYE or PREAUTH.
type StatusType int

const (
	StatusOK StatusType = iota
	StatusNO
	StatusBAD
	StatusBYE
	StatusPREAUTH
)

func (s StatusType) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNO:
		return "NO"
	case StatusBAD:
		return "BAD"
	case StatusBYE:
		return "BYE"
	case StatusPREAUTH:
		return "PREAUTH"
	default:
		return "?"
	}
}

// Code is a parenthesis-free IMAP response code, e.g. "[UIDVALIDITY 6]" or
// "[ALERT]". Unknown codes are preserved verbatim in Text so that
// forward-compatible clients can log or ignore them (spec.md section 4.2,
// "known parser rule").
type Code struct {
	Name    string   // upper-cased code name, e.g. "UIDVALIDITY", "ALERT"
	Number  uint64   // populated for numeric codes (UIDVALIDITY, UIDNEXT, UNSEEN, HIGHESTMODSEQ, ...)
	Strings []string // populated for list-shaped codes (CAPABILITY, PERMANENTFLAGS, BADCHARSET, APPENDUID, COPYUID)
	Text    string   // raw remainder, used verbatim for opaque/unrecognized codes
}

// Status carries the shared shape of tagged and untagged status
// responses: OK/NO/BAD/BYE/PREAUTH plus an optional response code and
// trailing human text.
type Status struct {
	Type StatusType
	Code *Code
	Text string
}

// Address is one ENVELOPE address structure (RFC 3501 section 7.4.2).
type Address struct {
	Name    string
	Route   string
	Mailbox string
	Host    string
}

// Envelope is the ENVELOPE fetch item.
type Envelope struct {
	Date      time.Time
	RawDate   string
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	CC        []Address
	BCC       []Address
	InReplyTo string
	MessageID string
}

// BodyStructure is a recursive MIME body-structure tree (BODY/BODYSTRUCTURE
// fetch items, RFC 3501 section 7.4.2).
type BodyStructure struct {
	MimeType    string
	MimeSubType string
	Params      map[string]string
	ID          string
	Description string
	Encoding    string
	Size        uint32
	Lines       uint32 // only for text/* and message/rfc822
	MD5         string
	Disposition string
	DispParams  map[string]string
	Language    []string
	Location    string

	// Parts holds the children of a multipart/* body; empty for leaves.
	Parts []*BodyStructure
	// Envelope/Nested are populated only for message/rfc822 leaves.
	Envelope *Envelope
	Nested   *BodyStructure
}

// BodySection identifies one BODY[section]<partial> fetch response and
// its literal data.
type BodySection struct {
	Section string // e.g. "", "1.2", "HEADER", "1.MIME", "HEADER.FIELDS (SUBJECT)"
	Partial *uint32
	Data    []byte
}

// FetchAttr is one attribute inside a single FETCH response (RFC 3501
// section 7.4.2), e.g. "UID 9" or "FLAGS (\Seen)".
type FetchAttr struct {
	Name          string // upper-cased: UID, FLAGS, ENVELOPE, INTERNALDATE, RFC822.SIZE, BODYSTRUCTURE, BODY, MODSEQ, X-GM-*
	UID           uint32
	Flags         []string
	Envelope      *Envelope
	InternalDate  time.Time
	RFC822Size    uint32
	BodyStructure *BodyStructure
	BodySection   *BodySection
	ModSeq        uint64
	Raw           string // verbatim text for attrs this parser doesn't special-case
}

// Fetch is an untagged "n FETCH (...)" response.
type Fetch struct {
	Seq   uint32
	Attrs []FetchAttr
}

func (f *Fetch) Attr(name string) (FetchAttr, bool) {
	for _, a := range f.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return FetchAttr{}, false
}

// List is an untagged LIST/LSUB response, including the extended return
// data introduced by RFC 5258 (LIST-EXTENDED).
type List struct {
	Flags     []string
	Delimiter string // "" means NIL (no hierarchy)
	Mailbox   string
	Extended  map[string][]string // CHILDINFO etc; keyed by upper-case tag
}

// MailboxStatus is the untagged STATUS response: STATUS mailbox (name value ...).
type MailboxStatus struct {
	Mailbox string
	Attrs   map[string]uint64
}

// Search is an untagged SEARCH response. Nums holds sequence numbers or
// UIDs verbatim in the order the server sent them; the synchroniser is
// responsible for sorting (spec.md section 4.7, "out-of-order UID
// tolerance").
type Search struct {
	Nums   []uint32
	ModSeq uint64 // optional trailing (MODSEQ n)
}

// ESearch is an untagged ESEARCH response (RFC 4731 / RFC 4466).
type ESearch struct {
	Tag     string
	UID     bool
	Min     *uint32
	Max     *uint32
	All     []SeqRange
	Count   *uint32
	ModSeq  uint64
	AddTo   []SeqRange // incremental ADDTO for a live search context
	RemoveFrom []SeqRange
}

// SeqRange is an inclusive sequence/UID range; Min == Max for a singleton.
// Max == 0 with Min != 0 denotes an open-ended "n:*" range.
type SeqRange struct {
	Min, Max uint32
}

// NamespaceDescr is one namespace entry (RFC 2342).
type NamespaceDescr struct {
	Prefix    string
	Delimiter string
}

// Namespace is the untagged NAMESPACE response.
type Namespace struct {
	Personal []NamespaceDescr
	Other    []NamespaceDescr
	Shared   []NamespaceDescr
}

// ThreadNode is one node of a THREAD response tree (RFC 5256): a message
// number followed by any number of children, where siblings represent
// separate threads/branches.
type ThreadNode struct {
	Num      uint32
	Children []ThreadNode
}

// Vanished is the untagged VANISHED response (RFC 7162, QRESYNC).
type Vanished struct {
	UIDs    []SeqRange
	Earlier bool
}

// ParseErrorDetail describes where the scanner or parser gave up. Unknown
// response kinds are reported with Kind ParseErrorUnrecognizedResponseKind
// (spec.md section 4.2).
type ParseErrorDetail struct {
	Message string
	Line    string
	Offset  int
	Kind    ParseErrorKind
}

type ParseErrorKind int

const (
	ParseErrorGeneric ParseErrorKind = iota
	ParseErrorUnrecognizedResponseKind
)

func (p *ParseErrorDetail) Error() string {
	return "wire: parse error: " + p.Message
}

// Response is the tagged-variant sum type every parsed or synthesized
// event is delivered as (Design Note section 9: "Reimplement as a tagged
// variant ... plus an explicit match in each consumer"). Only the fields
// relevant to Kind are populated; callers switch on Kind.
type Response struct {
	Kind Kind

	Tag string // KindStatusTagged

	Status *Status // KindStatusTagged, KindStatusUntagged

	Capabilities []string // KindCapability, and embedded in Status.Code for [CAPABILITY ...]

	Count uint32 // KindExists, KindRecent, KindExpunge

	Fetch *Fetch // KindFetch

	List *List // KindList, KindLSub

	Flags []string // KindFlags

	Search *Search // KindSearch

	ESearch *ESearch // KindESearch

	MailboxStatus *MailboxStatus // KindMailboxStatus

	Namespace *Namespace // KindNamespace

	Sort []uint32 // KindSort

	Thread []ThreadNode // KindThread

	ID map[string]string // KindID

	Enabled []string // KindEnabled

	Vanished *Vanished // KindVanished

	GenURLAuth string // KindGenURLAuth

	ContinuationText string // KindContinuation

	// Synthetic payloads.
	EncryptedCertChain [][]byte
	EncryptedErrors    []error
	DisconnectReason   error
	ParseErr           *ParseErrorDetail
}
