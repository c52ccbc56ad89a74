package wire

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseSeqSet parses an IMAP sequence-set ("2,4,7:9,12:*") into a slice of
// SeqRange. A trailing "*" on one side of a range is reported as 0 in Max,
// meaning "open-ended"; callers resolve it against EXISTS/UIDNEXT as
// appropriate.
func ParseSeqSet(raw string) ([]SeqRange, error) {
	if raw == "" {
		return nil, fmt.Errorf("wire: empty sequence-set")
	}
	parts := strings.Split(raw, ",")
	ranges := make([]SeqRange, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("wire: empty sequence-set component")
		}
		lo, hi, found := strings.Cut(part, ":")
		min, err := parseSeqNumber(lo)
		if err != nil {
			return nil, err
		}
		if !found {
			ranges = append(ranges, SeqRange{Min: min, Max: min})
			continue
		}
		max, err := parseSeqNumber(hi)
		if err != nil {
			return nil, err
		}
		if min == 0 || (max != 0 && max < min) {
			min, max = max, min
		}
		ranges = append(ranges, SeqRange{Min: min, Max: max})
	}
	return ranges, nil
}

func parseSeqNumber(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("wire: invalid sequence number %q: %w", s, err)
	}
	return uint32(v), nil
}

// Numbers expands a slice of SeqRange into the individual numbers they
// cover. star, when non-zero, resolves any open-ended ("n:*") range's
// upper bound. Used by the synchroniser to turn a SEARCH/ESEARCH result
// into a concrete, sorted UID list (spec.md section 4.7, "out-of-order
// UID tolerance").
func Numbers(ranges []SeqRange, star uint32) []uint32 {
	var out []uint32
	for _, r := range ranges {
		max := r.Max
		if max == 0 {
			max = star
		}
		for n := r.Min; n <= max; n++ {
			out = append(out, n)
			if n == ^uint32(0) {
				break // guard against overflow on a pathological range
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FormatSeqSet renders a sorted, deduplicated list of numbers back into
// IMAP's compact range notation ("2,4,7:9"), used by the encoder when
// issuing UID FETCH/STORE/COPY commands.
func FormatSeqSet(nums []uint32) string {
	if len(nums) == 0 {
		return ""
	}
	sorted := append([]uint32(nil), nums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			fmt.Fprintf(&b, "%d", start)
		} else {
			fmt.Fprintf(&b, "%d:%d", start, prev)
		}
	}
	for _, n := range sorted[1:] {
		if n == prev || n == prev+1 {
			if n != prev {
				prev = n
			}
			continue
		}
		flush()
		start, prev = n, n
	}
	flush()
	return b.String()
}
