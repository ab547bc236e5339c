// Package expect drives interactive byte streams (spawned ssh/telnet clients or
// native SSH shells) by waiting for regular expressions to appear in their output.
package expect

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout applies when a caller passes a non-positive timeout.
const DefaultTimeout = 10 * time.Second

// ErrClosed is returned by operations on a channel that has been closed.
var ErrClosed = errors.New("channel closed")

// ResultKind says how an Expect call ended.
type ResultKind int

const (
	Matched ResultKind = iota
	Timeout
	EOF
)

func (k ResultKind) String() string {
	switch k {
	case Matched:
		return "matched"
	case Timeout:
		return "timeout"
	case EOF:
		return "eof"
	default:
		return "unknown"
	}
}

// Result describes one Expect call. Before holds the text preceding the match
// (or the whole pending buffer on timeout/EOF), After holds the matched text.
type Result struct {
	Kind   ResultKind
	Index  int
	Before string
	After  string
}

// Channel is an interactive stream that can be written to and searched.
type Channel interface {
	// Write sends text verbatim.
	Write(text string) error
	// SendLine sends text followed by a newline.
	SendLine(text string) error
	// Expect blocks until one of patterns matches the pending output, the
	// stream ends, or timeout elapses.
	Expect(patterns []*regexp.Regexp, timeout time.Duration) (Result, error)
	// Buffer returns output received but not yet consumed by a match.
	Buffer() string
	Close() error
}

// Search finds the earliest match of any pattern in text. When two patterns
// match at the same offset the one listed first wins.
func Search(text string, patterns []*regexp.Regexp) (index, start, end int, ok bool) {
	index, start, end = -1, -1, -1
	for i, p := range patterns {
		if p == nil {
			continue
		}
		loc := p.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if !ok || loc[0] < start {
			index, start, end, ok = i, loc[0], loc[1], true
		}
	}
	return index, start, end, ok
}
