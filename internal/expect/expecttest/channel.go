// Package expecttest provides a scripted expect.Channel for tests.
package expecttest

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Vansh-Raja/SSHCollector/internal/expect"
)

// Step is one scripted event. Output is appended to the pending buffer;
// Timeout makes the next Expect that needs more data time out; EOF ends the
// stream.
type Step struct {
	Output  string
	Timeout bool
	EOF     bool
}

// Out, Stall and Hangup build steps.
func Out(text string) Step { return Step{Output: text} }
func Stall() Step          { return Step{Timeout: true} }
func Hangup() Step         { return Step{EOF: true} }

// Channel replays Steps in order and records everything written to it.
type Channel struct {
	mu sync.Mutex

	steps  []Step
	pos    int
	buf    string
	eof    bool
	closed bool

	writes      []string
	expectCalls int
	timeouts    []time.Duration
}

// New returns a channel that replays steps.
func New(steps ...Step) *Channel {
	return &Channel{steps: steps}
}

// Script appends more steps.
func (c *Channel) Script(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, steps...)
}

func (c *Channel) Write(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return expect.ErrClosed
	}
	c.writes = append(c.writes, text)
	return nil
}

func (c *Channel) SendLine(text string) error {
	return c.Write(text + "\n")
}

func (c *Channel) Expect(patterns []*regexp.Regexp, timeout time.Duration) (expect.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expectCalls++
	c.timeouts = append(c.timeouts, timeout)
	if c.closed {
		return expect.Result{}, expect.ErrClosed
	}

	for {
		if idx, start, end, ok := expect.Search(c.buf, patterns); ok {
			res := expect.Result{Kind: expect.Matched, Index: idx, Before: c.buf[:start], After: c.buf[start:end]}
			c.buf = c.buf[end:]
			return res, nil
		}
		if c.eof {
			res := expect.Result{Kind: expect.EOF, Index: -1, Before: c.buf}
			c.buf = ""
			return res, nil
		}
		if c.pos >= len(c.steps) {
			return expect.Result{Kind: expect.Timeout, Index: -1, Before: c.buf}, nil
		}
		step := c.steps[c.pos]
		c.pos++
		switch {
		case step.Timeout:
			return expect.Result{Kind: expect.Timeout, Index: -1, Before: c.buf}, nil
		case step.EOF:
			c.eof = true
		default:
			c.buf += step.Output
		}
	}
}

func (c *Channel) Buffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Writes returns every raw write in order.
func (c *Channel) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// Lines returns the writes with their trailing newline removed.
func (c *Channel) Lines() []string {
	var lines []string
	for _, w := range c.Writes() {
		lines = append(lines, strings.TrimSuffix(w, "\n"))
	}
	return lines
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ExpectCalls counts Expect invocations.
func (c *Channel) ExpectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expectCalls
}

// Timeouts returns the timeout of every Expect call in order.
func (c *Channel) Timeouts() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.timeouts...)
}

// Remaining is the number of unplayed steps.
func (c *Channel) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps) - c.pos
}

var _ expect.Channel = (*Channel)(nil)
