// Package terminaltest provides an in-memory terminal.Session for tests.
package terminaltest

import (
	"errors"
	"strings"
	"sync"

	"github.com/ankouros/dutconsole/internal/terminal"
)

var ErrClosed = errors.New("terminaltest: session closed")

// Fake is a terminal.Session whose output is scripted by the test. Writes
// are recorded and optionally handed to a responder that may Emit a reply.
type Fake struct {
	mu      sync.Mutex
	out     chan []byte
	done    chan struct{}
	closed  bool
	writes  []string
	onWrite func(p []byte)

	Cols, Rows int
}

var _ terminal.Session = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		out:  make(chan []byte, 4096),
		done: make(chan struct{}),
	}
}

// OnWrite installs fn to be called (outside the lock) for every Write.
func (f *Fake) OnWrite(fn func(p []byte)) {
	f.mu.Lock()
	f.onWrite = fn
	f.mu.Unlock()
}

// Emit queues s as device output. It is a no-op after Close.
func (f *Fake) Emit(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || s == "" {
		return
	}
	f.out <- []byte(s)
}

func (f *Fake) Write(p []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.writes = append(f.writes, string(p))
	fn := f.onWrite
	f.mu.Unlock()

	if fn != nil {
		fn(append([]byte(nil), p...))
	}
	return nil
}

// Writes returns every Write payload in order.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Written returns all Write payloads concatenated.
func (f *Fake) Written() string {
	return strings.Join(f.Writes(), "")
}

func (f *Fake) Resize(cols, rows int) error {
	f.mu.Lock()
	f.Cols, f.Rows = cols, rows
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)
	close(f.out)
	return nil
}

func (f *Fake) Output() <-chan []byte { return f.out }
func (f *Fake) Done() <-chan struct{} { return f.done }
