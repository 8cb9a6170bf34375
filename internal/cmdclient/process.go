package cmdclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ankouros/dutconsole/internal/model"
	"github.com/ankouros/dutconsole/internal/terminal"
	"github.com/creack/pty"
)

const exitDrainTimeout = 2 * time.Second

// ProcessSession is a local console program (picocom, socat, virsh console,
// ...) running on a PTY.
type ProcessSession struct {
	Device model.Device

	cmd *exec.Cmd
	pty *os.File

	output chan []byte
	done   chan struct{}

	mu   sync.Mutex // guards pty
	once sync.Once
}

var _ terminal.Session = (*ProcessSession)(nil)

// StartProcess runs the device's console program. A nil log means
// slog.Default().
func StartProcess(ctx context.Context, dev model.Device, cols, rows int, log *slog.Logger) (*ProcessSession, error) {
	if log == nil {
		log = slog.Default()
	}
	if dev.Process == nil {
		return nil, errors.New("process config is missing")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := strings.TrimSpace(dev.Process.Path)
	if path == "" {
		return nil, errors.New("process path is empty")
	}

	args := applyPlaceholders(dev.Process.Args, dev)

	cmd := exec.Command(path, args...) //nolint:gosec // user-configured executable path

	if wd := strings.TrimSpace(dev.Process.WorkDir); wd != "" {
		cmd.Dir = wd
	}

	cmd.Env = os.Environ()
	for k, v := range dev.Process.Env {
		if k == "" {
			continue
		}
		cmd.Env = append(cmd.Env, k+"="+applyPlaceholdersOne(v, dev))
	}

	var ws *pty.Winsize
	if cols > 0 && rows > 0 {
		ws = &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	}
	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	log.Debug("console process started", "path", path, "pid", cmd.Process.Pid)

	s := &ProcessSession{
		Device: dev,
		cmd:    cmd,
		pty:    f,
		output: make(chan []byte, 128),
		done:   make(chan struct{}),
	}

	pumped := make(chan struct{})
	go func() {
		s.pump(f)
		close(s.output)
		close(pumped)
	}()
	go func() {
		err := cmd.Wait()
		log.Debug("console process exited", "err", err)
		// let the pump drain what the program wrote before it exited
		select {
		case <-pumped:
		case <-time.After(exitDrainTimeout):
		}
		_ = s.Close()
	}()

	return s, nil
}

func (s *ProcessSession) Output() <-chan []byte { return s.output }
func (s *ProcessSession) Done() <-chan struct{} { return s.done }

// pump never drops bytes: a stalled reader applies backpressure to the
// program instead.
func (s *ProcessSession) pump(r io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case s.output <- b:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *ProcessSession) Write(p []byte) error {
	s.mu.Lock()
	f := s.pty
	s.mu.Unlock()
	if f == nil {
		return errors.New("process not running")
	}
	_, err := f.Write(p)
	return err
}

func (s *ProcessSession) Resize(cols, rows int) error {
	s.mu.Lock()
	f := s.pty
	s.mu.Unlock()
	if f == nil || cols <= 0 || rows <= 0 {
		return nil
	}
	return pty.Setsize(f, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

func (s *ProcessSession) Close() error {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		f := s.pty
		s.pty = nil
		s.mu.Unlock()

		if f != nil {
			_ = f.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

func applyPlaceholders(args []string, dev model.Device) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		out = append(out, applyPlaceholdersOne(a, dev))
	}
	return out
}

func applyPlaceholdersOne(s string, dev model.Device) string {
	s = strings.ReplaceAll(s, "{host}", dev.Host)
	s = strings.ReplaceAll(s, "{port}", fmt.Sprint(dev.Port))
	s = strings.ReplaceAll(s, "{user}", dev.User)
	s = strings.ReplaceAll(s, "{name}", dev.Name)
	s = strings.ReplaceAll(s, "{id}", fmt.Sprint(dev.ID))
	return s
}
