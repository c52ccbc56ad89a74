package wire

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrInvalidMailboxUTF7 is returned by DecodeMailboxName when the input
// isn't valid modified UTF-7 (RFC 3501 section 5.1.3).
var ErrInvalidMailboxUTF7 = errors.New("wire: invalid modified UTF-7 mailbox name")

const modifiedBase64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

// modifiedBase64 is ordinary base64 with '/' replaced by ',' and no
// padding, per RFC 3501 section 5.1.3.
var modifiedBase64 = base64.NewEncoding(modifiedBase64Alphabet).WithPadding(base64.NoPadding)

// DecodeMailboxName decodes a wire-format mailbox name from modified
// UTF-7 into a plain Go string. Mailbox names that happen to be
// "INBOX" (case-insensitively) should be normalized by the caller before
// decoding, since INBOX is never UTF-7 encoded.
func DecodeMailboxName(raw string) (string, error) {
	src := []byte(raw)
	var dst []byte
	for len(src) > 0 {
		c := src[0]
		src = src[1:]
		if c != '&' {
			dst = append(dst, c)
			continue
		}
		i := bytes.IndexByte(src, '-')
		if i == -1 {
			return "", ErrInvalidMailboxUTF7
		}
		if i == 0 {
			src = src[1:]
			dst = append(dst, '&')
			continue
		}
		decoded := make([]byte, modifiedBase64.DecodedLen(i))
		n, err := modifiedBase64.Decode(decoded, src[:i])
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidMailboxUTF7, err)
		}
		src = src[i+1:]
		decoded = decoded[:n]
		if len(decoded)%2 != 0 {
			return "", ErrInvalidMailboxUTF7
		}
		for len(decoded) > 0 {
			r := rune(decoded[0])<<8 | rune(decoded[1])
			decoded = decoded[2:]
			if utf16.IsSurrogate(r) {
				if len(decoded) < 2 {
					return "", ErrInvalidMailboxUTF7
				}
				r2 := rune(decoded[0])<<8 | rune(decoded[1])
				decoded = decoded[2:]
				combined := utf16.DecodeRune(r, r2)
				if combined == utf8.RuneError {
					return "", ErrInvalidMailboxUTF7
				}
				r = combined
			}
			var buf [4]byte
			dst = append(dst, buf[:utf8.EncodeRune(buf[:], r)]...)
		}
	}
	return string(dst), nil
}

// EncodeMailboxName encodes a plain Go string into wire-format modified
// UTF-7, for use in SELECT/CREATE/RENAME/LIST command arguments.
func EncodeMailboxName(name string) string {
	src := []byte(name)
	var dst []byte
	for len(src) > 0 {
		r, _ := utf8.DecodeRune(src)
		switch {
		case r == '&':
			dst = append(dst, '&', '-')
			src = src[1:]
			continue
		case r < utf8.RuneSelf:
			dst = append(dst, byte(r))
			src = src[1:]
			continue
		}

		var utf16be []byte
		for len(src) > 0 {
			r, size := utf8.DecodeRune(src)
			if r < utf8.RuneSelf {
				break
			}
			src = src[size:]
			if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
				utf16be = append(utf16be, byte(r1>>8), byte(r1))
				r = r2
			}
			utf16be = append(utf16be, byte(r>>8), byte(r))
		}

		encLen := modifiedBase64.EncodedLen(len(utf16be))
		dst = append(dst, '&')
		dst = append(dst, make([]byte, encLen)...)
		modifiedBase64.Encode(dst[len(dst)-encLen:], utf16be)
		dst = append(dst, '-')
	}
	return string(dst)
}
