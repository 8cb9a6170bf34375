package terminal

// Session is a binary-safe terminal stream.
// Implementations include SSH-backed console servers and local PTY processes
// (picocom, socat, virsh console).
//
// Output is closed by the implementation once no more bytes will arrive.
type Session interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	Close() error

	Output() <-chan []byte
	Done() <-chan struct{}
}
