package shell

import (
	"errors"
	"fmt"
	"time"

	"github.com/ankouros/dutconsole/internal/expect"
)

// Stage names the wait that failed.
type Stage string

const (
	StageLogin      Stage = "login"
	StagePassword   Stage = "password"
	StageCompletion Stage = "completion"
	StageProbe      Stage = "probe"
)

var ErrNotLoggedIn = errors.New("shell: session is not logged in")

// TimeoutError reports a pattern wait that ran out of time. The console is
// left intact and the session must be treated as unsynchronized.
type TimeoutError struct {
	Stage   Stage
	Pattern string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s waiting for %s", e.Stage, e.Timeout, e.Pattern)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolViolationError means the exit status probe answered with something
// other than __CMDRESULT__ and a status in 0..255. The console is out of step
// in a way resync cannot repair; reconnecting is up to the caller.
type ProtocolViolationError struct {
	Got    []byte
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("probe: %s (got %q)", e.Reason, e.Got)
}

func waitError(stage Stage, p expect.Pattern, timeout time.Duration, err error) error {
	if errors.Is(err, expect.ErrTimeout) {
		return &TimeoutError{Stage: stage, Pattern: p.String(), Timeout: timeout, Err: err}
	}
	return fmt.Errorf("%s: %w", stage, err)
}
