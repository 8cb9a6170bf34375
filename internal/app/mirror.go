package app

import (
	"bytes"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// maxEscapeCarry bounds how much of an unterminated escape sequence is held
// back waiting for the next chunk.
const maxEscapeCarry = 64

// stripWriter removes ANSI escape sequences before writing to w. A sequence
// split across two writes is held back until it is complete.
type stripWriter struct {
	mu    sync.Mutex
	w     io.Writer
	carry []byte
}

func newStripWriter(w io.Writer) *stripWriter {
	return &stripWriter{w: w}
}

func (s *stripWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.carry, p...)
	s.carry = nil

	if i := bytes.LastIndexByte(buf, 0x1b); i >= 0 && len(buf)-i < maxEscapeCarry && incompleteEscape(buf[i:]) {
		s.carry = append([]byte(nil), buf[i:]...)
		buf = buf[:i]
	}

	if len(buf) > 0 {
		if _, err := io.WriteString(s.w, ansi.Strip(string(buf))); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// incompleteEscape reports whether seq, starting at ESC, still needs bytes.
func incompleteEscape(seq []byte) bool {
	if len(seq) < 2 {
		return true
	}
	switch seq[1] {
	case '[': // CSI ends with a byte in 0x40..0x7e
		for _, c := range seq[2:] {
			if c >= 0x40 && c <= 0x7e {
				return false
			}
		}
		return true
	case ']': // OSC ends with BEL or ST
		return !bytes.ContainsRune(seq, 0x07) && !bytes.Contains(seq[2:], []byte{0x1b, '\\'})
	default:
		return false
	}
}
