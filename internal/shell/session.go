// Package shell drives a login shell over an unframed console stream. It
// logs in, keeps the stream positioned at a fresh prompt and runs one command
// at a time, recovering each command's output and exit status.
package shell

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankouros/dutconsole/internal/expect"
	"github.com/google/uuid"
)

// Console is the transport the protocol runs over. *expect.Stream implements it.
type Console interface {
	Send(p []byte) error
	Expect(p expect.Pattern, timeout time.Duration) (expect.Match, error)
	SuppressMirror() (restore func())
}

var _ Console = (*expect.Stream)(nil)

type Timeouts struct {
	Login      time.Duration
	LoginRetry time.Duration // after the blank line
	Password   time.Duration
	Prompt     time.Duration // first resync wait
	Drain      time.Duration // second resync wait; expiring is normal
	Probe      time.Duration
	Command    time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Login:      120 * time.Second,
		LoginRetry: 5 * time.Second,
		Password:   120 * time.Second,
		Prompt:     10 * time.Second,
		Drain:      time.Second,
		Probe:      10 * time.Second,
		Command:    240 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.Login, d.Login)
	fill(&t.LoginRetry, d.LoginRetry)
	fill(&t.Password, d.Password)
	fill(&t.Prompt, d.Prompt)
	fill(&t.Drain, d.Drain)
	fill(&t.Probe, d.Probe)
	fill(&t.Command, d.Command)
	return t
}

type Credentials struct {
	Username string
	Password string

	// PasswordFunc supplies Password when it is empty. It is called at most
	// once per Credentials value, right before it is needed.
	PasswordFunc func() (string, error)

	LoginPattern    expect.Pattern
	PasswordPattern expect.Pattern
	Prompt          expect.Pattern

	// SetPrompt, if set, is exported as PS1 right after login and becomes
	// the prompt for every later command.
	SetPrompt string
}

// ShellPrompt is the prompt of a shell that went through Login.
func (c Credentials) ShellPrompt() expect.Pattern {
	if c.SetPrompt != "" {
		return expect.Literal(c.SetPrompt)
	}
	return c.Prompt
}

// ResolvePassword fills Password from PasswordFunc if it is empty.
func (c *Credentials) ResolvePassword() error {
	if c.Password != "" || c.PasswordFunc == nil {
		return nil
	}
	pw, err := c.PasswordFunc()
	if err != nil {
		return fmt.Errorf("login password: %w", err)
	}
	c.Password = pw
	c.PasswordFunc = nil
	return nil
}

type Options struct {
	Timeouts Timeouts

	Rows, Cols int

	// PrintkLevels is written to kernel.printk to keep kernel messages off
	// the console. 2 is critical (current, default, minimum, boot-time-default).
	PrintkLevels string

	// KeepTrailingPromptFragment turns off dropping the last output line.
	KeepTrailingPromptFragment bool

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	o.Timeouts = o.Timeouts.withDefaults()
	if o.Rows <= 0 {
		o.Rows = 100
	}
	if o.Cols <= 0 {
		o.Cols = 200
	}
	if o.PrintkLevels == "" {
		o.PrintkLevels = "2 4 1 7"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is the shell state bound to one console.
// It is not safe for concurrent use; the console has no framing to tell
// interleaved replies apart.
type Session struct {
	id      string
	console Console
	prompt  expect.Pattern
	opts    Options
	log     *slog.Logger

	loggedIn bool
	synced   bool
}

// New binds a session to a console where a shell is already logged in at
// prompt. It starts unsynchronized; the first Run resyncs.
func New(c Console, prompt expect.Pattern, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:       id,
		console:  c,
		prompt:   prompt,
		opts:     opts,
		log:      opts.Logger.With("session", id),
		loggedIn: true,
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Prompt() expect.Pattern { return s.prompt }
func (s *Session) LoggedIn() bool         { return s.loggedIn }
func (s *Session) Synchronized() bool     { return s.synced }

// Invalidate marks the stream position as unknown, e.g. after the caller
// wrote to the console directly.
func (s *Session) Invalidate() { s.synced = false }

// Login waits for the login prompt, authenticates and prepares the shell.
// If the login prompt does not show up, one blank line is sent and the wait
// is retried once with Timeouts.LoginRetry; a timeout reports the two waits
// combined. Any other failure ends the call.
func Login(c Console, creds Credentials, opts Options) (*Session, error) {
	if err := creds.ResolvePassword(); err != nil {
		return nil, err
	}
	s := New(c, creds.Prompt, opts)
	s.loggedIn = false
	t := s.opts.Timeouts

	s.log.Info("waiting for login prompt", "pattern", creds.LoginPattern.String())
	_, err := expectWithRetry(c, creds.LoginPattern, []attempt{
		{timeout: t.Login},
		{
			timeout: t.LoginRetry,
			// noisy kernel messages may have buried the banner
			before: func() error {
				s.log.Warn("no login prompt yet, sending a blank line", "waited", t.Login)
				return sendLine(c, "")
			},
		},
	})
	if err != nil {
		return nil, waitError(StageLogin, creds.LoginPattern, t.Login+t.LoginRetry, err)
	}

	if err := sendLine(c, creds.Username); err != nil {
		return nil, fmt.Errorf("send username: %w", err)
	}
	if _, err := c.Expect(creds.PasswordPattern, t.Password); err != nil {
		return nil, waitError(StagePassword, creds.PasswordPattern, t.Password, err)
	}
	if err := sendLine(c, creds.Password); err != nil {
		return nil, fmt.Errorf("send password: %w", err)
	}
	s.loggedIn = true
	s.log.Info("logged in", "user", creds.Username)

	if creds.SetPrompt != "" {
		next := creds.ShellPrompt()
		cmd := `export PS1="` + creds.SetPrompt + `"`
		if _, err := s.Exec(cmd, RunOptions{Completion: next}); err != nil {
			return nil, fmt.Errorf("set prompt: %w", err)
		}
		s.prompt = next
	}

	setup := []string{
		fmt.Sprintf("stty rows %d cols %d", s.opts.Rows, s.opts.Cols),
		fmt.Sprintf(`sysctl -w kernel.printk="%s"`, s.opts.PrintkLevels),
	}
	for _, cmd := range setup {
		res, err := s.Run(cmd)
		if err != nil {
			return nil, fmt.Errorf("login setup %q: %w", cmd, err)
		}
		if res.ExitCode != 0 {
			s.log.Warn("login setup command failed", "command", cmd, "exit_code", res.ExitCode)
		}
	}

	s.synced = true
	return s, nil
}

// Resync positions the console at a single fresh prompt.
func (s *Session) Resync() error {
	ok, err := Resync(s.console, s.prompt, s.opts.Timeouts, s.log)
	s.synced = ok
	return err
}

// Resync sends a blank line and waits for prompt, then waits once more with
// the short Drain timeout. If a prompt was already pending before the blank
// line, two prompts arrive and the second wait consumes the extra one; if
// not, the second wait times out, which is the normal case.
//
// A timeout on the first wait is logged and reported as false rather than
// as an error: the caller's next command either works or times out with a
// clearer error. Errors are returned only when the console itself fails.
func Resync(c Console, prompt expect.Pattern, t Timeouts, log *slog.Logger) (bool, error) {
	t = t.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	if err := sendLine(c, ""); err != nil {
		return false, err
	}
	if _, err := c.Expect(prompt, t.Prompt); err != nil {
		if !errors.Is(err, expect.ErrTimeout) {
			return false, err
		}
		log.Warn("timed out waiting for prompt", "prompt", prompt.String(), "timeout", t.Prompt)
		return false, nil
	}

	if _, err := c.Expect(prompt, t.Drain); err != nil && !errors.Is(err, expect.ErrTimeout) {
		return false, err
	}
	return true, nil
}

// attempt is one step of a bounded retry: an optional action, then a wait.
type attempt struct {
	before  func() error
	timeout time.Duration
}

// expectWithRetry runs the attempts in order until one matches. Only
// timeouts move on to the next attempt.
func expectWithRetry(c Console, p expect.Pattern, attempts []attempt) (expect.Match, error) {
	var last error
	for _, a := range attempts {
		if a.before != nil {
			if err := a.before(); err != nil {
				return expect.Match{}, err
			}
		}
		m, err := c.Expect(p, a.timeout)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, expect.ErrTimeout) {
			return expect.Match{}, err
		}
		last = err
	}
	return expect.Match{}, last
}

func sendLine(c Console, line string) error {
	return c.Send([]byte(line + "\n"))
}
