package wire

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
)

// TestEncodeParseRoundTrip covers the encoder side of invariant 5
// (spec.md section 8): a LOGIN built from two String arguments is written
// as tag, bare-atom username and escaped quoted password, ending in CRLF.
// The encoded bytes are checked as text; they are not re-parsed.
func TestEncodeParseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	cw := NewCommandWriter(w, "a", nil)

	tag, err := cw.NewCommand("LOGIN").String("luzr").String("sikrit p\"word").Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if tag != "a1" {
		t.Fatalf("tag = %q, want a1", tag)
	}

	line := buf.String()
	if !strings.HasPrefix(line, "a1 LOGIN luzr ") {
		t.Fatalf("encoded line = %q, want prefix %q", line, "a1 LOGIN luzr ")
	}
	if !strings.HasSuffix(line, "\r\n") {
		t.Fatalf("encoded line does not end in CRLF: %q", line)
	}
	if !strings.Contains(line, `"sikrit p\"word"`) {
		t.Fatalf("encoded line = %q, want escaped quoted string for the password", line)
	}
}

// TestEncodeLiteralNonSync exercises LITERAL+ framing
// (invariant 8): with literalPlus enabled, writeLiteral never calls the
// continuation callback, so a nil ContinueFunc must not block or error.
func TestEncodeLiteralNonSync(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	cw := NewCommandWriter(w, "a", nil)
	cw.SetLiteralPlus(true, 0)

	_, err := cw.NewCommand("APPEND").Mailbox("INBOX").Literal([]byte("Subject: hi\r\n\r\nbody")).Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush with LITERAL+ and nil ContinueFunc: %v", err)
	}
	if !strings.Contains(buf.String(), "{19+}\r\n") {
		t.Fatalf("encoded line = %q, want a non-synchronizing literal header", buf.String())
	}
}

// TestParseTaggedOK is a basic sanity check that the parser recognises
// a tagged OK status line with a response code.
func TestParseTaggedOK(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("a1 OK [READ-WRITE] completed\r\n"))
	p := NewParser(r)
	resp := p.ParseLine()
	if resp.Kind != KindStatusTagged {
		t.Fatalf("Kind = %v, want KindStatusTagged", resp.Kind)
	}
	if resp.Tag != "a1" {
		t.Fatalf("Tag = %q, want a1", resp.Tag)
	}
	if resp.Status == nil || resp.Status.Type != StatusOK {
		t.Fatalf("Status = %+v, want OK", resp.Status)
	}
	if resp.Status.Code == nil || resp.Status.Code.Name != "READ-WRITE" {
		t.Fatalf("Status.Code = %+v, want READ-WRITE", resp.Status.Code)
	}
}

// TestParseUntaggedExists checks a plain untagged numeric response.
func TestParseUntaggedExists(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("* 23 EXISTS\r\n"))
	p := NewParser(r)
	resp := p.ParseLine()
	if resp.Kind != KindExists {
		t.Fatalf("Kind = %v, want KindExists", resp.Kind)
	}
	if resp.Count != 23 {
		t.Fatalf("Count = %d, want 23", resp.Count)
	}
}
