// Package byterange parses single-range HTTP Range headers against a known
// file size.
//
// Only one "bytes=" range is honored. Multi-range and malformed headers are
// treated as if no header was sent, so the caller serves the whole file.
package byterange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind classifies a parsed Range header.
type Kind int

const (
	// None means serve the full file with 200.
	None Kind = iota
	// Single means serve [Start, End] with 206.
	Single
	// Unsatisfiable means respond 416 with no body.
	Unsatisfiable
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Single:
		return "single"
	case Unsatisfiable:
		return "unsatisfiable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Range is the outcome of Parse. Start and End are inclusive byte offsets and
// are only meaningful when Kind is Single.
type Range struct {
	Kind  Kind
	Start int64
	End   int64
}

// Length is the number of bytes in the window.
func (r Range) Length() int64 {
	if r.Kind != Single {
		return 0
	}
	return r.End - r.Start + 1
}

// ContentRange returns the Content-Range header value for r, or "" for None.
func (r Range) ContentRange(size int64) string {
	switch r.Kind {
	case Single:
		return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
	case Unsatisfiable:
		return fmt.Sprintf("bytes */%d", size)
	default:
		return ""
	}
}

const unit = "bytes="

// Parse interprets header against a file of size bytes.
func Parse(size int64, header string) Range {
	header = strings.TrimSpace(header)
	if header == "" {
		return Range{Kind: None}
	}
	if len(header) < len(unit) || !strings.EqualFold(header[:len(unit)], unit) {
		return Range{Kind: None}
	}
	spec := strings.TrimSpace(header[len(unit):])
	if spec == "" || strings.Contains(spec, ",") {
		return Range{Kind: None}
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return Range{Kind: None}
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	switch {
	case first == "" && last == "":
		return Range{Kind: None}

	case first == "":
		// suffix form: last N bytes
		n, ok := parseOffset(last)
		if !ok {
			return Range{Kind: None}
		}
		if n == 0 || size == 0 {
			return Range{Kind: Unsatisfiable}
		}
		if n > size {
			n = size
		}
		return Range{Kind: Single, Start: size - n, End: size - 1}

	default:
		start, ok := parseOffset(first)
		if !ok {
			return Range{Kind: None}
		}
		end := size - 1
		if last != "" {
			e, ok := parseOffset(last)
			if !ok {
				return Range{Kind: None}
			}
			if e < start {
				return Range{Kind: Unsatisfiable}
			}
			if e < end {
				end = e
			}
		}
		if start >= size {
			return Range{Kind: Unsatisfiable}
		}
		return Range{Kind: Single, Start: start, End: end}
	}
}

// parseOffset accepts only plain decimal digits. Values past int64 saturate
// to math.MaxInt64, which every caller treats as beyond the end of the file.
func parseOffset(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt64, true
	}
	if err != nil {
		return 0, false
	}
	return n, true
}
