// Package expect turns a raw terminal byte stream into a sequence of
// pattern waits. Bytes are consumed only by a successful match; a wait that
// times out leaves everything buffered for the next one.
package expect

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ankouros/dutconsole/internal/terminal"
)

var (
	ErrTimeout = errors.New("expect: timed out")
	ErrClosed  = errors.New("expect: stream closed")
)

// DefaultMaxBuffer bounds unconsumed output. A booting board can print
// megabytes of kernel log before anyone waits on it.
const DefaultMaxBuffer = 1 << 20

// Match is the result of a successful wait.
type Match struct {
	// Before holds the bytes consumed ahead of the match.
	Before []byte
	// After holds the matched bytes.
	After []byte
}

type Stream struct {
	sess      terminal.Session
	log       *slog.Logger
	maxBuffer int

	mu       sync.Mutex
	incoming []byte // received, not yet read by a wait
	buf      []byte // read, not yet consumed by a match
	mirror   io.Writer
	closed   bool
	dropped  int64

	notify    chan struct{}
	eof       chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

type Option func(*Stream)

func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMirror attaches a passive sink from the start.
func WithMirror(w io.Writer) Option {
	return func(s *Stream) { s.mirror = w }
}

func WithMaxBuffer(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxBuffer = n
		}
	}
}

// New starts reading sess. The Stream owns sess from here on.
func New(sess terminal.Session, opts ...Option) *Stream {
	s := &Stream{
		sess:      sess,
		log:       slog.Default(),
		maxBuffer: DefaultMaxBuffer,
		notify:    make(chan struct{}, 1),
		eof:       make(chan struct{}),
		closeCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.eof)
	for chunk := range s.sess.Output() {
		s.mu.Lock()
		s.incoming = append(s.incoming, chunk...)
		if over := len(s.incoming) - s.maxBuffer; over > 0 {
			s.incoming = append([]byte(nil), s.incoming[over:]...)
			s.dropped += int64(over)
		}
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// Send writes p to the console.
func (s *Stream) Send(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.sess.Write(p)
}

// SendLine writes line followed by a newline.
func (s *Stream) SendLine(line string) error {
	return s.Send([]byte(line + "\n"))
}

// Expect waits up to timeout for p. On a match, everything up to and
// including the match is consumed. On timeout nothing is consumed.
func (s *Stream) Expect(p Pattern, timeout time.Duration) (Match, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m, matched, ended, err := s.try(p)
		if err != nil {
			return Match{}, err
		}
		if matched {
			return m, nil
		}
		if ended {
			return Match{}, fmt.Errorf("%w: output ended while waiting for %s", ErrClosed, p)
		}

		select {
		case <-s.notify:
		case <-s.eof:
		case <-s.closeCh:
			return Match{}, ErrClosed
		case <-timer.C:
			return Match{}, fmt.Errorf("%w after %s waiting for %s", ErrTimeout, timeout, p)
		}
	}
}

func (s *Stream) try(p Pattern) (m Match, matched, ended bool, err error) {
	// Checked before draining: the pump appends its last bytes before
	// closing eof, so they are all visible below.
	select {
	case <-s.eof:
		ended = true
	default:
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Match{}, false, false, ErrClosed
	}

	fresh := s.incoming
	s.incoming = nil
	s.buf = append(s.buf, fresh...)
	mirror := s.mirror

	if start, end, ok := p.Find(s.buf); ok {
		m = Match{
			Before: append([]byte(nil), s.buf[:start]...),
			After:  append([]byte(nil), s.buf[start:end]...),
		}
		s.buf = append([]byte(nil), s.buf[end:]...)
		matched = true
	} else if over := len(s.buf) - s.maxBuffer; over > 0 {
		s.buf = append([]byte(nil), s.buf[over:]...)
		s.dropped += int64(over)
	}
	s.mu.Unlock()

	if mirror != nil && len(fresh) > 0 {
		if _, werr := mirror.Write(fresh); werr != nil {
			s.log.Debug("console mirror write failed", "err", werr)
		}
	}
	return m, matched, ended && !matched, nil
}

// SetMirror attaches w (nil detaches) and returns the previous sink.
func (s *Stream) SetMirror(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.mirror
	s.mirror = w
	return prev
}

// SuppressMirror detaches the mirror until the returned func is called.
func (s *Stream) SuppressMirror() (restore func()) {
	prev := s.SetMirror(nil)
	return func() { s.SetMirror(prev) }
}

// Buffered returns a copy of everything received but not yet consumed.
func (s *Stream) Buffered() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, len(s.buf)+len(s.incoming))
	out = append(out, s.buf...)
	return append(out, s.incoming...)
}

// Dropped reports how many bytes were discarded to stay within the buffer bound.
func (s *Stream) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed once the underlying session stops producing output.
func (s *Stream) Done() <-chan struct{} { return s.eof }

func (s *Stream) Resize(cols, rows int) error { return s.sess.Resize(cols, rows) }

// Close fails all pending and future waits with ErrClosed and closes the session.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closeCh)
		err = s.sess.Close()
	})
	return err
}
