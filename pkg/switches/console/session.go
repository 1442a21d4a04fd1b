// Package console drives line-oriented switch CLIs: a Session matches
// received text against regular expressions, and KeyValueReader parses
// "key: value" listings out of paginated command output.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/hil-network/hil/pkg/util"
)

// ErrTimeout is the cause of a SwitchCommError raised when no alternative
// matched before the deadline.
var ErrTimeout = errors.New("timed out waiting for switch output")

// DefaultTimeout bounds a single Expect when the session has no timeout.
const DefaultTimeout = 30 * time.Second

// Session is an interactive text stream to a switch. A pump goroutine
// collects everything the device writes; Expect consumes it.
//
// Session is not safe for concurrent Expect calls.
type Session struct {
	name    string
	w       io.Writer
	closer  io.Closer
	timeout time.Duration

	mu     sync.Mutex
	buf    []byte
	err    error
	notify chan struct{}

	// Before holds the text skipped over by the last successful Expect,
	// After the text it matched.
	Before string
	After  string
}

// NewSession starts pumping r. name labels errors; closer (optional) is
// closed by Close. A zero timeout means DefaultTimeout.
func NewSession(name string, r io.Reader, w io.Writer, closer io.Closer, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Session{
		name:    name,
		w:       w,
		closer:  closer,
		timeout: timeout,
		notify:  make(chan struct{}, 1),
	}
	go s.pump(r)
	return s
}

func (s *Session) pump(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		s.mu.Lock()
		s.buf = append(s.buf, chunk[:n]...)
		if err != nil {
			s.err = err
		}
		s.mu.Unlock()
		s.wake()
		if err != nil {
			return
		}
	}
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Name returns the switch name the session was opened for.
func (s *Session) Name() string {
	return s.name
}

// Timeout returns the per-Expect timeout.
func (s *Session) Timeout() time.Duration {
	return s.timeout
}

// Send writes text as-is.
func (s *Session) Send(text string) error {
	if _, err := io.WriteString(s.w, text); err != nil {
		return util.NewSwitchCommError(s.name, "send", err)
	}
	return nil
}

// SendLine writes text followed by a newline.
func (s *Session) SendLine(text string) error {
	return s.Send(text + "\n")
}

// Expect waits until one of alternatives matches the received text and
// returns its index. When several match, the one starting earliest wins;
// ties go to the first in the list. The buffer is consumed through the end
// of the match.
func (s *Session) Expect(ctx context.Context, alternatives ...*regexp.Regexp) (int, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if idx, loc := earliest(s.buf, alternatives); idx >= 0 {
			s.Before = string(s.buf[:loc[0]])
			s.After = string(s.buf[loc[0]:loc[1]])
			s.buf = s.buf[loc[1]:]
			s.mu.Unlock()
			return idx, nil
		}
		err := s.err
		s.mu.Unlock()

		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return -1, util.NewSwitchCommError(s.name, "expect", err)
		}

		select {
		case <-s.notify:
		case <-timer.C:
			return -1, util.NewSwitchCommError(s.name, "expect",
				fmt.Errorf("%w after %s (want %s)", ErrTimeout, s.timeout, describe(alternatives)))
		case <-ctx.Done():
			return -1, util.NewSwitchCommError(s.name, "expect", ctx.Err())
		}
	}
}

// Pending returns the received text not yet consumed by Expect.
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

// Close ends the session.
func (s *Session) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func earliest(buf []byte, alternatives []*regexp.Regexp) (int, []int) {
	best, bestLoc := -1, []int(nil)
	for i, re := range alternatives {
		loc := re.FindIndex(buf)
		if loc == nil {
			continue
		}
		if best < 0 || loc[0] < bestLoc[0] {
			best, bestLoc = i, loc
		}
	}
	return best, bestLoc
}

func describe(alternatives []*regexp.Regexp) string {
	s := ""
	for i, re := range alternatives {
		if i > 0 {
			s += " | "
		}
		s += fmt.Sprintf("%q", re.String())
	}
	return s
}

// Literal compiles text as an exact-match pattern.
func Literal(text string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(text))
}
