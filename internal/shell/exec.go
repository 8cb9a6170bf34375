package shell

import (
	"bytes"
	"regexp"
	"strconv"
	"time"

	"github.com/ankouros/dutconsole/internal/expect"
)

const probeCommand = "echo __CMDRESULT__: $?"

// The trailing \s keeps a wait from matching "1" before "27" has arrived.
var (
	probePattern = expect.MustRegexp(`__CMDRESULT__: (\d+)\s`)
	probeRe      = regexp.MustCompile(`^__CMDRESULT__: (\d+)\s$`)
)

type CommandResult struct {
	ExitCode int
	Output   []byte
}

type RunOptions struct {
	Prompt     expect.Pattern // defaults to the session prompt
	Completion expect.Pattern // defaults to Prompt
	Timeout    time.Duration  // defaults to Timeouts.Command
}

// Run executes command and waits for the session prompt.
func (s *Session) Run(command string) (CommandResult, error) {
	return s.Exec(command, RunOptions{})
}

// Exec resyncs on the prompt, sends command, waits for the completion
// pattern, then asks the shell for $? with the mirror suppressed.
//
// A completion timeout is returned as is: retrying a hung command is not
// safe. Any failure leaves the session unsynchronized.
func (s *Session) Exec(command string, ro RunOptions) (CommandResult, error) {
	if !s.loggedIn {
		return CommandResult{}, ErrNotLoggedIn
	}
	prompt := ro.Prompt
	if prompt == nil {
		prompt = s.prompt
	}
	completion := ro.Completion
	if completion == nil {
		completion = prompt
	}
	timeout := ro.Timeout
	if timeout <= 0 {
		timeout = s.opts.Timeouts.Command
	}

	synced, err := Resync(s.console, prompt, s.opts.Timeouts, s.log)
	s.synced = synced
	if err != nil {
		return CommandResult{}, err
	}

	s.synced = false
	if err := sendLine(s.console, command); err != nil {
		return CommandResult{}, err
	}
	m, err := s.console.Expect(completion, timeout)
	if err != nil {
		return CommandResult{}, waitError(StageCompletion, completion, timeout, err)
	}

	code, err := s.probe()
	if err != nil {
		return CommandResult{}, err
	}
	s.synced = true

	out := ExtractOutput(m.Before, command, !s.opts.KeepTrailingPromptFragment)
	s.log.Debug("command finished", "command", command, "exit_code", code, "output_bytes", len(out))
	return CommandResult{ExitCode: code, Output: out}, nil
}

func (s *Session) probe() (int, error) {
	restore := s.console.SuppressMirror()
	defer restore()

	if err := sendLine(s.console, probeCommand); err != nil {
		return 0, err
	}
	m, err := s.console.Expect(probePattern, s.opts.Timeouts.Probe)
	if err != nil {
		return 0, waitError(StageProbe, probePattern, s.opts.Timeouts.Probe, err)
	}
	return parseExitCode(m.After)
}

func parseExitCode(b []byte) (int, error) {
	sub := probeRe.FindSubmatch(b)
	if sub == nil {
		return 0, &ProtocolViolationError{Got: b, Reason: "missing __CMDRESULT__ prefix"}
	}
	n, err := strconv.Atoi(string(sub[1]))
	if err != nil || n > 255 {
		return 0, &ProtocolViolationError{Got: b, Reason: "exit status out of range"}
	}
	return n, nil
}

// ExtractOutput cuts a command's own output out of the transcript read before
// the completion marker. It drops everything through the echoed command line,
// and when trimPromptFragment is set it also drops the final line, which the
// shell leaves holding the start of the next prompt.
//
// A transcript that doesn't contain the command yields empty output.
func ExtractOutput(transcript []byte, command string, trimPromptFragment bool) []byte {
	i := bytes.Index(transcript, []byte(command))
	if i < 0 {
		return []byte{}
	}
	rest := transcript[i+len(command):]

	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return []byte{}
	}
	rest = rest[nl+1:]

	// stray carriage returns from echo line wrapping
	for len(rest) > 0 && rest[0] == '\r' && !(len(rest) > 1 && rest[1] == '\n') {
		rest = rest[1:]
	}

	if trimPromptFragment {
		if lines := bytes.Split(rest, []byte("\n")); len(lines) > 1 {
			rest = bytes.Join(lines[:len(lines)-1], []byte("\n"))
		}
		rest = bytes.TrimRight(rest, "\r")
	} else {
		rest = bytes.TrimRight(rest, "\r\n")
	}
	return append([]byte{}, rest...)
}
