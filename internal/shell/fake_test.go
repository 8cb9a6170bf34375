package shell

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ankouros/dutconsole/internal/terminal/terminaltest"
)

type reply struct {
	out  string // lines separated by \n, emitted with \r\n endings
	code int
	hang bool
}

type fakeState int

const (
	stateLogin fakeState = iota
	statePassword
	stateShell
	stateDead
)

// fakeShell plays a getty followed by a root shell on a terminaltest.Fake.
type fakeShell struct {
	term *terminaltest.Fake

	mu       sync.Mutex
	state    fakeState
	prompt   string
	pending  []byte
	lastCode int
	replies  map[string]reply
	executed []string
	password string

	probeReply string // overrides the __CMDRESULT__ line when set
}

func newFakeShell(state fakeState) *fakeShell {
	f := &fakeShell{
		term:    terminaltest.New(),
		state:   state,
		prompt:  "root@localhost ~]# ",
		replies: map[string]reply{},
	}
	f.term.OnWrite(f.onWrite)
	return f
}

func (f *fakeShell) reply(cmd string, r reply) {
	f.mu.Lock()
	f.replies[cmd] = r
	f.mu.Unlock()
}

func (f *fakeShell) setState(s fakeState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeShell) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func (f *fakeShell) onWrite(p []byte) {
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	var lines []string
	for {
		i := strings.IndexByte(string(f.pending), '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(f.pending[:i]))
		f.pending = f.pending[i+1:]
	}
	f.mu.Unlock()

	for _, l := range lines {
		f.handle(l)
	}
}

func (f *fakeShell) handle(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case stateDead:
		return

	case stateLogin:
		if line == "" {
			f.term.Emit("\r\nlocalhost login: ")
			return
		}
		f.term.Emit(line + "\r\n")
		f.term.Emit("Password: ")
		f.state = statePassword

	case statePassword:
		f.password = line
		f.term.Emit("\r\n")
		f.term.Emit(f.prompt)
		f.state = stateShell

	case stateShell:
		f.term.Emit(line + "\r\n")
		switch {
		case line == "":
		case line == probeCommand:
			if f.probeReply != "" {
				f.term.Emit(f.probeReply)
			} else {
				f.term.Emit(fmt.Sprintf("__CMDRESULT__: %d\r\n", f.lastCode))
			}
		case strings.HasPrefix(line, `export PS1="`):
			f.executed = append(f.executed, line)
			f.prompt = strings.TrimSuffix(strings.TrimPrefix(line, `export PS1="`), `"`)
			f.lastCode = 0
		default:
			f.executed = append(f.executed, line)
			r := f.replies[line]
			if r.hang {
				return
			}
			if r.out != "" {
				f.term.Emit(strings.ReplaceAll(r.out, "\n", "\r\n") + "\r\n")
			}
			f.lastCode = r.code
		}
		f.term.Emit(f.prompt)
	}
}
