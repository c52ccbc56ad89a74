package wire

import (
	"bufio"
	"fmt"
	"strings"
	"time"
)

// Parser turns scanned tokens into Response values, one logical server
// line at a time. It owns a Scanner and never looks at the underlying
// reader directly.
//
// A Parser is not safe for concurrent use; it is driven by the same
// single reader goroutine that owns the Scanner (see conn.Engine).
type Parser struct {
	s *Scanner
}

// NewParser returns a Parser reading tokens from r.
func NewParser(r *bufio.Reader) *Parser {
	return &Parser{s: NewScanner(r)}
}

// Scanner exposes the underlying Scanner, e.g. so conn.Engine can call
// Reset on it after a STARTTLS or COMPRESS upgrade.
func (p *Parser) Scanner() *Scanner { return p.s }

// ParseLine reads and parses exactly one logical IMAP response line. Per
// spec.md section 4.2, a response kind this parser doesn't recognize
// never panics or silently drops data: it yields a Response of
// KindParseError carrying an UnrecognizedResponseKind detail, and the
// caller decides whether to keep reading.
func (p *Parser) ParseLine() *Response {
	s := p.s

	if !s.Next() {
		if s.Err != nil {
			return p.ioError(s.Err)
		}
		// TokenEnd with no prior token: a blank line. Callers should
		// treat this as "try again", not as data; surface it as a
		// generic parse error so it's never silently swallowed.
		return p.parseError(ParseErrorGeneric, "empty response line")
	}

	switch s.Token {
	case TokenPlus:
		return p.parseContinuation()
	case TokenStar:
		return p.parseUntagged()
	case TokenAtom, TokenNumber:
		return p.parseTagged(string(s.Atom))
	default:
		return p.parseError(ParseErrorGeneric, fmt.Sprintf("unexpected leading token %s", s.Token))
	}
}

func (p *Parser) ioError(err error) *Response {
	return &Response{Kind: KindParseError, ParseErr: &ParseErrorDetail{
		Message: err.Error(),
		Kind:    ParseErrorGeneric,
	}}
}

func (p *Parser) parseError(kind ParseErrorKind, msg string) *Response {
	return &Response{Kind: KindParseError, ParseErr: &ParseErrorDetail{
		Message: msg,
		Kind:    kind,
	}}
}

func (p *Parser) parseContinuation() *Response {
	s := p.s
	text, _ := s.RestOfLine()
	return &Response{Kind: KindContinuation, ContinuationText: strings.TrimPrefix(text, " ")}
}

// parseTagged handles a response whose first token was an ordinary atom
// or number: the command tag of a tagged status response.
func (p *Parser) parseTagged(tag string) *Response {
	s := p.s
	if !s.Next() || (s.Token != TokenAtom) {
		return p.parseError(ParseErrorGeneric, "tagged response missing status word")
	}
	status, ok := parseStatusType(string(s.Atom))
	if !ok {
		return p.parseError(ParseErrorGeneric, fmt.Sprintf("unknown tagged status %q", s.Atom))
	}
	st, err := p.parseStatusTail(status)
	if err != nil {
		return p.parseError(ParseErrorGeneric, err.Error())
	}
	return &Response{Kind: KindStatusTagged, Tag: tag, Status: st}
}

// parseUntagged handles everything following a leading '*'.
func (p *Parser) parseUntagged() *Response {
	s := p.s
	if !s.Next() {
		return p.parseError(ParseErrorGeneric, "truncated untagged response")
	}

	// "n EXISTS" / "n RECENT" / "n EXPUNGE" / "n FETCH (...)" all start
	// with a number.
	if s.Token == TokenNumber {
		n := uint32(s.Number)
		if !s.Next() || s.Token != TokenAtom {
			return p.parseError(ParseErrorGeneric, "untagged numeric response missing keyword")
		}
		word := strings.ToUpper(string(s.Atom))
		switch word {
		case "EXISTS":
			return &Response{Kind: KindExists, Count: n}
		case "RECENT":
			return &Response{Kind: KindRecent, Count: n}
		case "EXPUNGE":
			return &Response{Kind: KindExpunge, Count: n}
		case "FETCH":
			f, err := p.parseFetch(n)
			if err != nil {
				return p.parseError(ParseErrorGeneric, err.Error())
			}
			return &Response{Kind: KindFetch, Fetch: f}
		default:
			return p.parseError(ParseErrorUnrecognizedResponseKind, fmt.Sprintf("unrecognized numeric response kind %q", word))
		}
	}

	if s.Token != TokenAtom {
		return p.parseError(ParseErrorGeneric, "untagged response missing keyword")
	}
	word := strings.ToUpper(string(s.Atom))

	if status, ok := parseStatusType(word); ok {
		st, err := p.parseStatusTail(status)
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindStatusUntagged, Status: st}
	}

	switch word {
	case "CAPABILITY":
		caps, err := p.parseAtomList()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindCapability, Capabilities: caps}
	case "FLAGS":
		flags, err := p.parseFlagParenList()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindFlags, Flags: flags}
	case "LIST", "LSUB":
		l, err := p.parseList()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		kind := KindList
		if word == "LSUB" {
			kind = KindLSub
		}
		return &Response{Kind: kind, List: l}
	case "SEARCH":
		srch, err := p.parseSearch()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindSearch, Search: srch}
	case "ESEARCH":
		es, err := p.parseESearch()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindESearch, ESearch: es}
	case "STATUS":
		ms, err := p.parseMailboxStatus()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindMailboxStatus, MailboxStatus: ms}
	case "NAMESPACE":
		ns, err := p.parseNamespace()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindNamespace, Namespace: ns}
	case "SORT":
		nums, err := p.parseNumberList()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindSort, Sort: nums}
	case "THREAD":
		nodes, err := p.parseThread()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindThread, Thread: nodes}
	case "ID":
		m, err := p.parseIDMap()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindID, ID: m}
	case "ENABLED":
		caps, err := p.parseAtomList()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindEnabled, Enabled: caps}
	case "VANISHED":
		v, err := p.parseVanished()
		if err != nil {
			return p.parseError(ParseErrorGeneric, err.Error())
		}
		return &Response{Kind: KindVanished, Vanished: v}
	case "GENURLAUTH":
		text, _ := s.RestOfLine()
		return &Response{Kind: KindGenURLAuth, GenURLAuth: strings.TrimSpace(text)}
	default:
		return p.parseError(ParseErrorUnrecognizedResponseKind, fmt.Sprintf("unrecognized untagged response kind %q", word))
	}
}

func parseStatusType(word string) (StatusType, bool) {
	switch word {
	case "OK":
		return StatusOK, true
	case "NO":
		return StatusNO, true
	case "BAD":
		return StatusBAD, true
	case "BYE":
		return StatusBYE, true
	case "PREAUTH":
		return StatusPREAUTH, true
	}
	return 0, false
}

// parseStatusTail parses the optional "[CODE ...]" and trailing human
// text that follow a status word (tagged or untagged alike).
func (p *Parser) parseStatusTail(t StatusType) (*Status, error) {
	s := p.s
	st := &Status{Type: t}

	s.skipSpace()
	if s.peek() == '[' {
		s.read()
		code, err := p.parseCode()
		if err != nil {
			return nil, err
		}
		st.Code = code
		if s.read() != ']' {
			return nil, fmt.Errorf("wire: response code missing closing ']'")
		}
	}
	text, err := s.RestOfLine()
	if err != nil && text == "" {
		return nil, err
	}
	st.Text = strings.TrimPrefix(text, " ")
	return st, nil
}

// parseCode parses the body of a response code, the caller having
// already consumed the opening '['. Recognized codes are decoded into
// Number/Strings; anything else is kept verbatim in Text per spec.md
// section 4.2's forward-compatibility rule.
func (p *Parser) parseCode() (*Code, error) {
	s := p.s
	s.skipSpace()
	name := s.scanAtomChars()
	if s.Err != nil {
		return nil, s.Err
	}
	if len(name) == 0 {
		return nil, fmt.Errorf("wire: empty response code")
	}
	c := &Code{Name: strings.ToUpper(string(name))}

	switch c.Name {
	case "UIDVALIDITY", "UIDNEXT", "UNSEEN", "HIGHESTMODSEQ":
		s.skipSpace()
		n, ok := s.readDecimal(64)
		if !ok {
			return nil, s.Err
		}
		c.Number = n
	case "CAPABILITY":
		s.skipSpace()
		var caps []string
		for s.peek() != ']' {
			a := s.scanAtomChars()
			if s.Err != nil {
				return nil, s.Err
			}
			if len(a) == 0 {
				break
			}
			caps = append(caps, string(a))
			s.skipSpace()
		}
		c.Strings = caps
	case "PERMANENTFLAGS":
		s.skipSpace()
		if s.peek() != '(' {
			return nil, fmt.Errorf("wire: PERMANENTFLAGS missing parenthesized list")
		}
		s.read()
		var flags []string
		for {
			s.skipSpace()
			if s.peek() == ')' {
				s.read()
				break
			}
			fl, ok := s.ScanFlag()
			if !ok {
				return nil, fmt.Errorf("wire: malformed PERMANENTFLAGS entry")
			}
			flags = append(flags, fl)
		}
		c.Strings = flags
	case "BADCHARSET":
		s.skipSpace()
		if s.peek() == '(' {
			s.read()
			var names []string
			for {
				s.skipSpace()
				if s.peek() == ')' {
					s.read()
					break
				}
				if !s.Next() {
					return nil, fmt.Errorf("wire: malformed BADCHARSET list")
				}
				names = append(names, string(s.Atom))
			}
			c.Strings = names
		}
	case "APPENDUID":
		s.skipSpace()
		uidvalidity, ok := s.readDecimal(64)
		if !ok {
			return nil, s.Err
		}
		s.skipSpace()
		uids, ok := s.ScanSeqSet()
		if !ok {
			return nil, fmt.Errorf("wire: malformed APPENDUID sequence")
		}
		c.Number = uidvalidity
		c.Strings = []string{uids}
	case "COPYUID":
		s.skipSpace()
		uidvalidity, ok := s.readDecimal(64)
		if !ok {
			return nil, s.Err
		}
		s.skipSpace()
		src, ok := s.ScanSeqSet()
		if !ok {
			return nil, fmt.Errorf("wire: malformed COPYUID source sequence")
		}
		s.skipSpace()
		dst, ok := s.ScanSeqSet()
		if !ok {
			return nil, fmt.Errorf("wire: malformed COPYUID destination sequence")
		}
		c.Number = uidvalidity
		c.Strings = []string{src, dst}
	case "ALERT", "READ-ONLY", "READ-WRITE", "TRYCREATE", "NOMODSEQ",
		"CLOSED", "UIDNOTSTICKY", "PARSE", "AUTHENTICATIONFAILED",
		"AUTHORIZATIONFAILED", "EXPIRED", "PRIVACYREQUIRED",
		"CONTACTADMIN", "NOPERM", "INUSE", "EXPUNGEISSUED", "CORRUPTION",
		"SERVERBUG", "CLIENTBUG", "CANNOT", "LIMIT", "OVERQUOTA",
		"ALREADYEXISTS", "NONEXISTENT", "UNAVAILABLE", "COMPRESSIONACTIVE",
		"USEATTR":
		// No structured payload beyond the code name itself; any
		// trailing words before ']' are opaque free text.
		text, _ := s.ScanRawUntilByte(']')
		c.Text = strings.TrimSpace(text)
	default:
		// Unknown code: preserve the rest verbatim (spec.md section 4.2).
		text, _ := s.ScanRawUntilByte(']')
		c.Text = strings.TrimSpace(text)
	}
	return c, nil
}

func (p *Parser) parseAtomList() ([]string, error) {
	s := p.s
	var out []string
	for {
		s.skipSpace()
		if s.peek() == '\r' || s.peek() == '\n' {
			break
		}
		a := s.scanAtomChars()
		if s.Err != nil {
			return nil, s.Err
		}
		if len(a) == 0 {
			break
		}
		out = append(out, string(a))
	}
	return out, nil
}

func (p *Parser) parseNumberList() ([]uint32, error) {
	s := p.s
	var out []uint32
	for {
		s.skipSpace()
		if s.peek() == '\r' || s.peek() == '\n' {
			break
		}
		n, ok := s.readDecimal(32)
		if !ok {
			return nil, s.Err
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func (p *Parser) parseFlagParenList() ([]string, error) {
	s := p.s
	s.skipSpace()
	if s.peek() != '(' {
		return nil, fmt.Errorf("wire: expected '(' before flag list")
	}
	s.read()
	var flags []string
	for {
		s.skipSpace()
		if s.peek() == ')' {
			s.read()
			break
		}
		fl, ok := s.ScanFlag()
		if !ok {
			return nil, fmt.Errorf("wire: malformed flag list")
		}
		flags = append(flags, fl)
	}
	return flags, nil
}

// parseList parses the body of an untagged LIST/LSUB response: flag
// list, delimiter, mailbox name, and any LIST-EXTENDED return data.
func (p *Parser) parseList() (*List, error) {
	s := p.s
	flags, err := p.parseFlagParenList()
	if err != nil {
		return nil, err
	}
	s.skipSpace()
	if !s.Next() {
		return nil, fmt.Errorf("wire: LIST missing delimiter")
	}
	var delim string
	switch s.Token {
	case TokenString:
		delim = string(s.Atom)
	case TokenNIL:
		delim = ""
	default:
		return nil, fmt.Errorf("wire: LIST delimiter must be a quoted string or NIL")
	}
	s.skipSpace()
	if !s.Next() {
		return nil, fmt.Errorf("wire: LIST missing mailbox name")
	}
	mailbox, err := mailboxTokenToName(s)
	if err != nil {
		return nil, err
	}

	l := &List{Flags: flags, Delimiter: delim, Mailbox: mailbox}

	// Optional LIST-EXTENDED return data: "(CHILDINFO (\"SUBSCRIBED\"))".
	s.skipSpace()
	if s.peek() == '(' {
		s.read()
		ext := map[string][]string{}
		for {
			s.skipSpace()
			if s.peek() == ')' {
				s.read()
				break
			}
			tagName := s.scanAtomChars()
			if s.Err != nil {
				return nil, s.Err
			}
			s.skipSpace()
			var vals []string
			if s.peek() == '(' {
				s.read()
				for {
					s.skipSpace()
					if s.peek() == ')' {
						s.read()
						break
					}
					if !s.Next() {
						return nil, fmt.Errorf("wire: malformed LIST-EXTENDED value list")
					}
					vals = append(vals, string(s.Atom))
				}
			}
			ext[strings.ToUpper(string(tagName))] = vals
		}
		l.Extended = ext
	}
	return l, nil
}

func mailboxTokenToName(s *Scanner) (string, error) {
	switch s.Token {
	case TokenString, TokenAtom, TokenNumber:
		if strings.EqualFold(string(s.Atom), "INBOX") {
			return "INBOX", nil
		}
		name, err := DecodeMailboxName(string(s.Atom))
		if err != nil {
			return "", fmt.Errorf("wire: mailbox name %q: %w", s.Atom, err)
		}
		return name, nil
	case TokenLiteral:
		name, err := DecodeMailboxName(string(s.Literal))
		if err != nil {
			return "", fmt.Errorf("wire: mailbox name literal: %w", err)
		}
		return name, nil
	default:
		return "", fmt.Errorf("wire: expected mailbox name, got %s", s.Token)
	}
}

// parseSearch parses an untagged SEARCH response: a run of sequence
// numbers or UIDs, with an optional trailing "(MODSEQ n)".
func (p *Parser) parseSearch() (*Search, error) {
	s := p.s
	srch := &Search{}
	for {
		s.skipSpace()
		if s.peek() == '\r' || s.peek() == '\n' {
			break
		}
		if s.peek() == '(' {
			s.read()
			s.skipSpace()
			word := s.scanAtomChars()
			if s.Err != nil {
				return nil, s.Err
			}
			if strings.ToUpper(string(word)) != "MODSEQ" {
				return nil, fmt.Errorf("wire: unexpected SEARCH trailer %q", word)
			}
			s.skipSpace()
			n, ok := s.readDecimal(64)
			if !ok {
				return nil, s.Err
			}
			srch.ModSeq = n
			s.skipSpace()
			if s.read() != ')' {
				return nil, fmt.Errorf("wire: SEARCH MODSEQ trailer missing ')'")
			}
			continue
		}
		n, ok := s.readDecimal(32)
		if !ok {
			return nil, s.Err
		}
		srch.Nums = append(srch.Nums, uint32(n))
	}
	return srch, nil
}

// parseESearch parses an untagged ESEARCH response (RFC 4731/4466):
// "(TAG "a1") UID COUNT 3 ALL 1,4:6 MIN 1 MAX 6".
func (p *Parser) parseESearch() (*ESearch, error) {
	s := p.s
	es := &ESearch{}

	s.skipSpace()
	if s.peek() == '(' {
		s.read()
		s.skipSpace()
		word := s.scanAtomChars()
		if s.Err != nil {
			return nil, s.Err
		}
		if strings.ToUpper(string(word)) == "TAG" {
			s.skipSpace()
			if !s.Next() || s.Token != TokenString {
				return nil, fmt.Errorf("wire: ESEARCH TAG must be a quoted string")
			}
			es.Tag = string(s.Atom)
		}
		s.skipSpace()
		if s.read() != ')' {
			return nil, fmt.Errorf("wire: ESEARCH correlator missing ')'")
		}
	}

	for {
		s.skipSpace()
		if s.peek() == '\r' || s.peek() == '\n' {
			break
		}
		word := s.scanAtomChars()
		if s.Err != nil {
			return nil, s.Err
		}
		if len(word) == 0 {
			break
		}
		switch strings.ToUpper(string(word)) {
		case "UID":
			es.UID = true
		case "MIN":
			s.skipSpace()
			n, ok := s.readDecimal(32)
			if !ok {
				return nil, s.Err
			}
			v := uint32(n)
			es.Min = &v
		case "MAX":
			s.skipSpace()
			n, ok := s.readDecimal(32)
			if !ok {
				return nil, s.Err
			}
			v := uint32(n)
			es.Max = &v
		case "COUNT":
			s.skipSpace()
			n, ok := s.readDecimal(32)
			if !ok {
				return nil, s.Err
			}
			v := uint32(n)
			es.Count = &v
		case "MODSEQ":
			s.skipSpace()
			n, ok := s.readDecimal(64)
			if !ok {
				return nil, s.Err
			}
			es.ModSeq = n
		case "ALL":
			s.skipSpace()
			raw, ok := s.ScanSeqSet()
			if !ok {
				return nil, fmt.Errorf("wire: ESEARCH ALL missing sequence-set")
			}
			rs, err := ParseSeqSet(raw)
			if err != nil {
				return nil, err
			}
			es.All = rs
		case "ADDTO":
			s.skipSpace()
			raw, ok := s.ScanSeqSet()
			if !ok {
				return nil, fmt.Errorf("wire: ESEARCH ADDTO missing sequence-set")
			}
			rs, err := ParseSeqSet(raw)
			if err != nil {
				return nil, err
			}
			es.AddTo = rs
		case "REMOVEFROM":
			s.skipSpace()
			raw, ok := s.ScanSeqSet()
			if !ok {
				return nil, fmt.Errorf("wire: ESEARCH REMOVEFROM missing sequence-set")
			}
			rs, err := ParseSeqSet(raw)
			if err != nil {
				return nil, err
			}
			es.RemoveFrom = rs
		default:
			// Unrecognized ESEARCH return-item: skip its value, which
			// is either a bare sequence-set or absent entirely.
			s.skipSpace()
			_, _ = s.ScanRawUntilByte(' ')
		}
	}
	return es, nil
}

func (p *Parser) parseMailboxStatus() (*MailboxStatus, error) {
	s := p.s
	s.skipSpace()
	if !s.Next() {
		return nil, fmt.Errorf("wire: STATUS missing mailbox name")
	}
	name, err := mailboxTokenToName(s)
	if err != nil {
		return nil, err
	}
	s.skipSpace()
	if s.peek() != '(' {
		return nil, fmt.Errorf("wire: STATUS missing attribute list")
	}
	s.read()
	attrs := map[string]uint64{}
	for {
		s.skipSpace()
		if s.peek() == ')' {
			s.read()
			break
		}
		key := s.scanAtomChars()
		if s.Err != nil {
			return nil, s.Err
		}
		s.skipSpace()
		n, ok := s.readDecimal(64)
		if !ok {
			return nil, s.Err
		}
		attrs[strings.ToUpper(string(key))] = n
	}
	return &MailboxStatus{Mailbox: name, Attrs: attrs}, nil
}

func (p *Parser) parseNamespace() (*Namespace, error) {
	s := p.s
	parseGroup := func() ([]NamespaceDescr, error) {
		s.skipSpace()
		if !s.Next() {
			return nil, fmt.Errorf("wire: truncated NAMESPACE group")
		}
		if s.Token == TokenNIL {
			return nil, nil
		}
		if s.Token != TokenListStart {
			return nil, fmt.Errorf("wire: NAMESPACE group must be NIL or a list")
		}
		var out []NamespaceDescr
		for {
			s.skipSpace()
			if s.peek() == ')' {
				s.read()
				break
			}
			if s.read() != '(' {
				return nil, fmt.Errorf("wire: NAMESPACE entry missing '('")
			}
			if !s.Next() {
				return nil, fmt.Errorf("wire: NAMESPACE entry missing prefix")
			}
			prefix, err := mailboxTokenToName(s)
			if err != nil {
				return nil, err
			}
			s.skipSpace()
			if !s.Next() {
				return nil, fmt.Errorf("wire: NAMESPACE entry missing delimiter")
			}
			var delim string
			if s.Token == TokenString {
				delim = string(s.Atom)
			}
			// Extension namespace-response-extensions are permitted
			// here but unused by this client; skip to the entry's ')'.
			depth := 0
			for {
				b := s.peek()
				if b == 0 {
					return nil, fmt.Errorf("wire: truncated NAMESPACE entry")
				}
				if b == '(' {
					depth++
				}
				if b == ')' {
					if depth == 0 {
						s.read()
						break
					}
					depth--
				}
				s.read()
			}
			out = append(out, NamespaceDescr{Prefix: prefix, Delimiter: delim})
		}
		return out, nil
	}

	personal, err := parseGroup()
	if err != nil {
		return nil, err
	}
	other, err := parseGroup()
	if err != nil {
		return nil, err
	}
	shared, err := parseGroup()
	if err != nil {
		return nil, err
	}
	return &Namespace{Personal: personal, Other: other, Shared: shared}, nil
}

// parseThread parses the recursive THREAD response tree: a top-level
// sequence of "(n n (n n) n)"-shaped parenthesized groups, where a
// sibling sequence of bare numbers chains parent-child and a nested
// list starts a new branch off the current parent.
func (p *Parser) parseThread() ([]ThreadNode, error) {
	s := p.s
	var roots []ThreadNode
	for {
		s.skipSpace()
		if s.peek() != '(' {
			break
		}
		s.read()
		node, err := p.parseThreadGroup()
		if err != nil {
			return nil, err
		}
		roots = append(roots, node)
	}
	return roots, nil
}

// parseThreadGroup parses the body of one "(...)" THREAD group, the
// caller having already consumed the opening '('.
func (p *Parser) parseThreadGroup() (ThreadNode, error) {
	s := p.s
	var chain []ThreadNode
	for {
		s.skipSpace()
		switch s.peek() {
		case ')':
			s.read()
			return foldThreadChain(chain), nil
		case '(':
			s.read()
			child, err := p.parseThreadGroup()
			if err != nil {
				return ThreadNode{}, err
			}
			if len(chain) == 0 {
				return ThreadNode{}, fmt.Errorf("wire: THREAD branch with no parent")
			}
			last := &chain[len(chain)-1]
			last.Children = append(last.Children, child)
		default:
			n, ok := s.readDecimal(32)
			if !ok {
				return ThreadNode{}, s.Err
			}
			chain = append(chain, ThreadNode{Num: uint32(n)})
		}
	}
}

// foldThreadChain turns a flat chain of sibling numbers (as read left to
// right within one parenthesized group) into a single linear parent/child
// spine, attaching any branches collected along the way to the node they
// followed.
func foldThreadChain(chain []ThreadNode) ThreadNode {
	if len(chain) == 0 {
		return ThreadNode{}
	}
	for i := len(chain) - 1; i > 0; i-- {
		parent := &chain[i-1]
		parent.Children = append(parent.Children, chain[i])
	}
	return chain[0]
}

func (p *Parser) parseIDMap() (map[string]string, error) {
	s := p.s
	s.skipSpace()
	if !s.Next() {
		return nil, fmt.Errorf("wire: truncated ID response")
	}
	if s.Token == TokenNIL {
		return nil, nil
	}
	if s.Token != TokenListStart {
		return nil, fmt.Errorf("wire: ID response must be NIL or a list")
	}
	m := map[string]string{}
	for {
		s.skipSpace()
		if s.peek() == ')' {
			s.read()
			break
		}
		if !s.Next() || s.Token != TokenString {
			return nil, fmt.Errorf("wire: ID key must be a quoted string")
		}
		key := string(s.Atom)
		s.skipSpace()
		if !s.Next() {
			return nil, fmt.Errorf("wire: ID response missing value")
		}
		var val string
		if s.Token != TokenNIL {
			val = string(s.Atom)
		}
		m[key] = val
	}
	return m, nil
}

func (p *Parser) parseVanished() (*Vanished, error) {
	s := p.s
	s.skipSpace()
	earlier := false
	if s.peek() == '(' {
		s.read()
		s.skipSpace()
		word := s.scanAtomChars()
		if s.Err != nil {
			return nil, s.Err
		}
		if strings.ToUpper(string(word)) != "EARLIER" {
			return nil, fmt.Errorf("wire: unexpected VANISHED modifier %q", word)
		}
		earlier = true
		s.skipSpace()
		if s.read() != ')' {
			return nil, fmt.Errorf("wire: VANISHED modifier missing ')'")
		}
	}
	s.skipSpace()
	raw, ok := s.ScanSeqSet()
	if !ok {
		return nil, fmt.Errorf("wire: VANISHED missing UID set")
	}
	rs, err := ParseSeqSet(raw)
	if err != nil {
		return nil, err
	}
	return &Vanished{UIDs: rs, Earlier: earlier}, nil
}

// parseFetch parses the parenthesized attribute list of an untagged
// "n FETCH (...)" response.
func (p *Parser) parseFetch(seq uint32) (*Fetch, error) {
	s := p.s
	s.skipSpace()
	if s.peek() != '(' {
		return nil, fmt.Errorf("wire: FETCH missing attribute list")
	}
	s.read()
	f := &Fetch{Seq: seq}
	for {
		s.skipSpace()
		if s.peek() == ')' {
			s.read()
			break
		}
		attr, err := p.parseFetchAttr()
		if err != nil {
			return nil, err
		}
		f.Attrs = append(f.Attrs, attr)
	}
	return f, nil
}

func (p *Parser) parseFetchAttr() (FetchAttr, error) {
	s := p.s
	// The name stops at '[' too: '[' is not an atom-special, so
	// scanAtomChars would run on into a BODY[section] spec.
	var nameBytes []byte
	for b := s.peek(); b != '[' && b != 0 && !isAtomSpecial(b); b = s.peek() {
		if !is7BitPrintable(b) {
			return FetchAttr{}, fmt.Errorf("wire: non-ASCII byte %#x in FETCH attribute name", b)
		}
		nameBytes = append(nameBytes, s.read())
	}
	name := strings.ToUpper(string(nameBytes))

	// BODY[section]<partial> and BODY.PEEK[section] carry their section
	// spec glued onto the attribute name rather than separated by space.
	if strings.HasPrefix(name, "BODY") && s.peek() == '[' {
		return p.parseBodySectionAttr(name)
	}

	switch name {
	case "UID":
		s.skipSpace()
		n, ok := s.readDecimal(32)
		if !ok {
			return FetchAttr{}, s.Err
		}
		return FetchAttr{Name: name, UID: uint32(n)}, nil
	case "FLAGS":
		flags, err := p.parseFlagParenList()
		if err != nil {
			return FetchAttr{}, err
		}
		return FetchAttr{Name: name, Flags: flags}, nil
	case "ENVELOPE":
		s.skipSpace()
		env, err := p.parseEnvelope()
		if err != nil {
			return FetchAttr{}, err
		}
		return FetchAttr{Name: name, Envelope: env}, nil
	case "INTERNALDATE":
		s.skipSpace()
		if !s.Next() || s.Token != TokenString {
			return FetchAttr{}, fmt.Errorf("wire: INTERNALDATE must be a quoted string")
		}
		t, err := parseIMAPDate(string(s.Atom))
		if err != nil {
			return FetchAttr{}, err
		}
		return FetchAttr{Name: name, InternalDate: t}, nil
	case "RFC822.SIZE":
		s.skipSpace()
		n, ok := s.readDecimal(32)
		if !ok {
			return FetchAttr{}, s.Err
		}
		return FetchAttr{Name: name, RFC822Size: uint32(n)}, nil
	case "BODYSTRUCTURE", "BODY":
		s.skipSpace()
		bs, err := p.parseBodyStructure()
		if err != nil {
			return FetchAttr{}, err
		}
		return FetchAttr{Name: "BODYSTRUCTURE", BodyStructure: bs}, nil
	case "MODSEQ":
		s.skipSpace()
		if s.read() != '(' {
			return FetchAttr{}, fmt.Errorf("wire: MODSEQ missing '('")
		}
		n, ok := s.readDecimal(64)
		if !ok {
			return FetchAttr{}, s.Err
		}
		if s.read() != ')' {
			return FetchAttr{}, fmt.Errorf("wire: MODSEQ missing ')'")
		}
		return FetchAttr{Name: name, ModSeq: n}, nil
	default:
		// Unrecognized attribute (X-GM-LABELS, X-GM-MSGID, ...): capture
		// its raw value verbatim rather than failing the whole FETCH.
		s.skipSpace()
		raw, err := p.captureRawValue()
		if err != nil {
			return FetchAttr{}, err
		}
		return FetchAttr{Name: name, Raw: raw}, nil
	}
}

// parseBodySectionAttr parses "BODY[section]<origin>" / "BODY.PEEK[...]"
// followed by its literal or NIL data.
func (p *Parser) parseBodySectionAttr(name string) (FetchAttr, error) {
	s := p.s
	if s.read() != '[' {
		return FetchAttr{}, fmt.Errorf("wire: BODY section missing '['")
	}
	section, err := s.ScanRawUntilByte(']')
	if err != nil && section == "" {
		return FetchAttr{}, fmt.Errorf("wire: malformed BODY section spec")
	}
	// Collapse interior whitespace from e.g. "HEADER.FIELDS (SUBJECT TO)".
	section = strings.Join(strings.Fields(section), " ")
	if s.read() != ']' {
		return FetchAttr{}, fmt.Errorf("wire: BODY section missing ']'")
	}

	var partial *uint32
	if s.peek() == '<' {
		s.read()
		n, ok := s.readDecimal(32)
		if !ok {
			return FetchAttr{}, s.Err
		}
		v := uint32(n)
		partial = &v
		if s.read() != '>' {
			return FetchAttr{}, fmt.Errorf("wire: BODY partial origin missing '>'")
		}
	}

	s.skipSpace()
	if !s.Next() {
		return FetchAttr{}, fmt.Errorf("wire: BODY section missing data")
	}
	var data []byte
	switch s.Token {
	case TokenLiteral:
		data = s.Literal
	case TokenString:
		data = append([]byte(nil), s.Atom...)
	case TokenNIL:
		data = nil
	default:
		return FetchAttr{}, fmt.Errorf("wire: BODY section data must be a literal, string or NIL")
	}
	return FetchAttr{
		Name: name,
		BodySection: &BodySection{
			Section: section,
			Partial: partial,
			Data:    data,
		},
	}, nil
}

// captureRawValue reads one grammar value (atom, string, literal, number,
// NIL, or a balanced parenthesized list) verbatim as text, for FETCH
// attributes this parser doesn't special-case.
func (p *Parser) captureRawValue() (string, error) {
	s := p.s
	if s.peek() == '(' {
		var depth int
		var buf []byte
		for {
			b := s.peek()
			if b == 0 {
				return "", fmt.Errorf("wire: truncated parenthesized value")
			}
			if b == '(' {
				depth++
			}
			if b == ')' {
				depth--
				s.read()
				buf = append(buf, b)
				if depth == 0 {
					break
				}
				continue
			}
			s.read()
			buf = append(buf, b)
		}
		return string(buf), nil
	}
	if !s.Next() {
		return "", s.Err
	}
	switch s.Token {
	case TokenLiteral:
		return string(s.Literal), nil
	case TokenNIL:
		return "", nil
	default:
		return string(s.Atom), nil
	}
}

// parseEnvelope parses the ENVELOPE structure: a 10-element parenthesized
// list (RFC 3501 section 7.4.2).
func (p *Parser) parseEnvelope() (*Envelope, error) {
	s := p.s
	if !s.Next() {
		return nil, fmt.Errorf("wire: truncated ENVELOPE")
	}
	if s.Token == TokenNIL {
		return nil, nil
	}
	if s.Token != TokenListStart {
		return nil, fmt.Errorf("wire: ENVELOPE must be NIL or a list")
	}

	env := &Envelope{}
	nextNStr := func() (string, error) {
		s.skipSpace()
		if !s.Next() {
			return "", fmt.Errorf("wire: truncated ENVELOPE field")
		}
		if s.Token == TokenNIL {
			return "", nil
		}
		return string(s.Atom), nil
	}

	var err error
	env.RawDate, err = nextNStr()
	if err != nil {
		return nil, err
	}
	if env.RawDate != "" {
		if t, perr := parseEnvelopeDate(env.RawDate); perr == nil {
			env.Date = t
		}
	}
	if env.Subject, err = nextNStr(); err != nil {
		return nil, err
	}
	if env.From, err = p.parseAddressList(); err != nil {
		return nil, err
	}
	if env.Sender, err = p.parseAddressList(); err != nil {
		return nil, err
	}
	if env.ReplyTo, err = p.parseAddressList(); err != nil {
		return nil, err
	}
	if env.To, err = p.parseAddressList(); err != nil {
		return nil, err
	}
	if env.CC, err = p.parseAddressList(); err != nil {
		return nil, err
	}
	if env.BCC, err = p.parseAddressList(); err != nil {
		return nil, err
	}
	if env.InReplyTo, err = nextNStr(); err != nil {
		return nil, err
	}
	if env.MessageID, err = nextNStr(); err != nil {
		return nil, err
	}

	s.skipSpace()
	if s.read() != ')' {
		return nil, fmt.Errorf("wire: ENVELOPE missing closing ')'")
	}
	return env, nil
}

func (p *Parser) parseAddressList() ([]Address, error) {
	s := p.s
	s.skipSpace()
	if !s.Next() {
		return nil, fmt.Errorf("wire: truncated ENVELOPE address list")
	}
	if s.Token == TokenNIL {
		return nil, nil
	}
	if s.Token != TokenListStart {
		return nil, fmt.Errorf("wire: ENVELOPE address list must be NIL or a list")
	}
	var out []Address
	for {
		s.skipSpace()
		if s.peek() == ')' {
			s.read()
			break
		}
		if s.read() != '(' {
			return nil, fmt.Errorf("wire: ENVELOPE address missing '('")
		}
		addr := Address{}
		nstr := func() (string, error) {
			s.skipSpace()
			if !s.Next() {
				return "", fmt.Errorf("wire: truncated ENVELOPE address field")
			}
			if s.Token == TokenNIL {
				return "", nil
			}
			return string(s.Atom), nil
		}
		var err error
		if addr.Name, err = nstr(); err != nil {
			return nil, err
		}
		if addr.Route, err = nstr(); err != nil {
			return nil, err
		}
		if addr.Mailbox, err = nstr(); err != nil {
			return nil, err
		}
		if addr.Host, err = nstr(); err != nil {
			return nil, err
		}
		s.skipSpace()
		if s.read() != ')' {
			return nil, fmt.Errorf("wire: ENVELOPE address missing ')'")
		}
		out = append(out, addr)
	}
	return out, nil
}

// parseBodyStructure parses a BODY/BODYSTRUCTURE value: either a single
// part's fields, or a parenthesized run of sub-parts followed by the
// multipart subtype (RFC 3501 section 7.4.2).
func (p *Parser) parseBodyStructure() (*BodyStructure, error) {
	s := p.s
	if !s.Next() {
		return nil, fmt.Errorf("wire: truncated BODY/BODYSTRUCTURE")
	}
	if s.Token == TokenNIL {
		return nil, nil
	}
	if s.Token != TokenListStart {
		return nil, fmt.Errorf("wire: BODY/BODYSTRUCTURE must be NIL or a list")
	}

	s.skipSpace()
	if s.peek() == '(' {
		// Multipart: one or more nested bodies followed by the subtype.
		bs := &BodyStructure{MimeType: "MULTIPART"}
		for s.peek() == '(' {
			child, err := p.parseBodyStructure()
			if err != nil {
				return nil, err
			}
			bs.Parts = append(bs.Parts, child)
			s.skipSpace()
		}
		sub, err := p.nextNStr()
		if err != nil {
			return nil, err
		}
		bs.MimeSubType = strings.ToUpper(sub)
		// Extension data (params, disposition, language, location) is
		// optional and, when present, follows the same shape as a
		// single-part's trailing extension fields.
		if err := p.parseBodyExtension(bs); err != nil {
			return nil, err
		}
		s.skipSpace()
		if s.read() != ')' {
			return nil, fmt.Errorf("wire: BODYSTRUCTURE multipart missing ')'")
		}
		return bs, nil
	}

	bs := &BodyStructure{}
	var err error
	var mimeType, mimeSubType string
	if mimeType, err = p.nextNStr(); err != nil {
		return nil, err
	}
	if mimeSubType, err = p.nextNStr(); err != nil {
		return nil, err
	}
	bs.MimeType = strings.ToUpper(mimeType)
	bs.MimeSubType = strings.ToUpper(mimeSubType)
	if bs.Params, err = p.parseParamList(); err != nil {
		return nil, err
	}
	if bs.ID, err = p.nextNStr(); err != nil {
		return nil, err
	}
	if bs.Description, err = p.nextNStr(); err != nil {
		return nil, err
	}
	if bs.Encoding, err = p.nextNStr(); err != nil {
		return nil, err
	}
	s.skipSpace()
	n, ok := s.readDecimal(32)
	if !ok {
		return nil, s.Err
	}
	bs.Size = uint32(n)

	if bs.MimeType == "TEXT" {
		s.skipSpace()
		lines, ok := s.readDecimal(32)
		if !ok {
			return nil, s.Err
		}
		bs.Lines = uint32(lines)
	}
	if bs.MimeType == "MESSAGE" && bs.MimeSubType == "RFC822" {
		s.skipSpace()
		env, err := p.parseEnvelope()
		if err != nil {
			return nil, err
		}
		bs.Envelope = env
		s.skipSpace()
		nested, err := p.parseBodyStructure()
		if err != nil {
			return nil, err
		}
		bs.Nested = nested
		s.skipSpace()
		lines, ok := s.readDecimal(32)
		if !ok {
			return nil, s.Err
		}
		bs.Lines = uint32(lines)
	}

	if err := p.parseBodyExtension(bs); err != nil {
		return nil, err
	}

	s.skipSpace()
	if s.read() != ')' {
		return nil, fmt.Errorf("wire: BODYSTRUCTURE single part missing ')'")
	}
	return bs, nil
}

// parseBodyExtension parses the optional trailing BODYSTRUCTURE
// extension data common to both single and multipart bodies: MD5,
// disposition, language, location. Every field is itself optional and
// the server may stop early, so each step tolerates running out of
// list before the closing ')'.
func (p *Parser) parseBodyExtension(bs *BodyStructure) error {
	s := p.s
	s.skipSpace()
	if s.peek() == ')' {
		return nil
	}
	if bs.MimeType != "MULTIPART" {
		md5, err := p.nextNStr()
		if err != nil {
			return err
		}
		bs.MD5 = md5
		s.skipSpace()
		if s.peek() == ')' {
			return nil
		}
	}

	// Disposition: NIL or ("type" (param value ...)).
	if !s.Next() {
		return fmt.Errorf("wire: truncated BODYSTRUCTURE extension")
	}
	if s.Token == TokenListStart {
		dtype, err := p.nextNStr()
		if err != nil {
			return err
		}
		bs.Disposition = strings.ToUpper(dtype)
		params, err := p.parseParamList()
		if err != nil {
			return err
		}
		bs.DispParams = params
		s.skipSpace()
		if s.read() != ')' {
			return fmt.Errorf("wire: BODYSTRUCTURE disposition missing ')'")
		}
	}
	s.skipSpace()
	if s.peek() == ')' {
		return nil
	}

	// Language: NIL, a single string, or a parenthesized list of strings.
	if !s.Next() {
		return fmt.Errorf("wire: truncated BODYSTRUCTURE language")
	}
	switch s.Token {
	case TokenNIL:
	case TokenString:
		bs.Language = []string{string(s.Atom)}
	case TokenListStart:
		for {
			s.skipSpace()
			if s.peek() == ')' {
				s.read()
				break
			}
			if !s.Next() {
				return fmt.Errorf("wire: truncated BODYSTRUCTURE language list")
			}
			bs.Language = append(bs.Language, string(s.Atom))
		}
	default:
		return fmt.Errorf("wire: BODYSTRUCTURE language has unexpected shape")
	}
	s.skipSpace()
	if s.peek() == ')' {
		return nil
	}

	loc, err := p.nextNStr()
	if err != nil {
		return err
	}
	bs.Location = loc
	return nil
}

func (p *Parser) parseParamList() (map[string]string, error) {
	s := p.s
	s.skipSpace()
	if !s.Next() {
		return nil, fmt.Errorf("wire: truncated parameter list")
	}
	if s.Token == TokenNIL {
		return nil, nil
	}
	if s.Token != TokenListStart {
		return nil, fmt.Errorf("wire: parameter list must be NIL or a list")
	}
	params := map[string]string{}
	for {
		s.skipSpace()
		if s.peek() == ')' {
			s.read()
			break
		}
		key, err := p.nextNStr()
		if err != nil {
			return nil, err
		}
		val, err := p.nextNStr()
		if err != nil {
			return nil, err
		}
		params[strings.ToUpper(key)] = val
	}
	return params, nil
}

// nextNStr reads one nstring (NIL, a quoted string, or a literal) and
// returns its text, skipping leading space.
func (p *Parser) nextNStr() (string, error) {
	s := p.s
	s.skipSpace()
	if !s.Next() {
		return "", fmt.Errorf("wire: truncated string field")
	}
	switch s.Token {
	case TokenNIL:
		return "", nil
	case TokenLiteral:
		return string(s.Literal), nil
	case TokenString, TokenAtom, TokenNumber:
		return string(s.Atom), nil
	default:
		return "", fmt.Errorf("wire: expected string field, got %s", s.Token)
	}
}

// parseIMAPDate parses an INTERNALDATE value, e.g.
// "17-Jul-1996 02:44:25 -0700".
func parseIMAPDate(raw string) (time.Time, error) {
	t, err := time.Parse("2-Jan-2006 15:04:05 -0700", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("wire: malformed INTERNALDATE %q: %w", raw, err)
	}
	return t, nil
}

// parseEnvelopeDate parses an ENVELOPE date field, which is free-form
// RFC 5322 date text rather than IMAP's fixed INTERNALDATE layout.
// Servers vary in exact formatting, so a handful of common layouts are
// tried before giving up.
func parseEnvelopeDate(raw string) (time.Time, error) {
	layouts := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("wire: unrecognized envelope date layout %q", raw)
}
