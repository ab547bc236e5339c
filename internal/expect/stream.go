package expect

import (
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// StreamChannel implements Channel over any reader/writer pair. A background
// goroutine drains the reader into an internal buffer that Expect searches.
type StreamChannel struct {
	w       io.Writer
	closeFn func() error

	mu      sync.Mutex
	buf     []byte
	eof     bool
	closed  bool
	changed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewStreamChannel starts pumping r. closeFn releases whatever backs the
// stream (process, pty, ssh session) and may be nil.
func NewStreamChannel(r io.Reader, w io.Writer, closeFn func() error) *StreamChannel {
	c := &StreamChannel{
		w:       w,
		closeFn: closeFn,
		changed: make(chan struct{}, 1),
	}
	go c.pump(r)
	return c
}

func (c *StreamChannel) pump(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			c.buf = append(c.buf, chunk[:n]...)
			c.mu.Unlock()
			c.signal()
		}
		if err != nil {
			// A pty returns EIO once the child exits; every read error is end of stream.
			c.mu.Lock()
			c.eof = true
			c.mu.Unlock()
			c.signal()
			return
		}
	}
}

func (c *StreamChannel) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *StreamChannel) Write(text string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := io.WriteString(c.w, text); err != nil {
		return errors.Wrap(err, "failed to write to channel")
	}
	return nil
}

func (c *StreamChannel) SendLine(text string) error {
	return c.Write(text + "\n")
}

func (c *StreamChannel) Expect(patterns []*regexp.Regexp, timeout time.Duration) (Result, error) {
	if len(patterns) == 0 {
		return Result{}, errors.New("expect called without patterns")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Result{}, ErrClosed
		}
		text := string(c.buf)
		if idx, start, end, ok := Search(text, patterns); ok {
			c.buf = append([]byte(nil), c.buf[end:]...)
			c.mu.Unlock()
			return Result{Kind: Matched, Index: idx, Before: text[:start], After: text[start:end]}, nil
		}
		if c.eof {
			c.buf = nil
			c.mu.Unlock()
			return Result{Kind: EOF, Index: -1, Before: text}, nil
		}
		c.mu.Unlock()

		select {
		case <-c.changed:
		case <-timer.C:
			return Result{Kind: Timeout, Index: -1, Before: c.Buffer()}, nil
		}
	}
}

func (c *StreamChannel) Buffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.signal()
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}
