// Package device ties a board's console to its power and storage controls
// and implements the boot, login and power-off lifecycle around them.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ankouros/dutconsole/internal/expect"
	"github.com/ankouros/dutconsole/internal/shell"
)

var (
	// ErrImageNotFound is returned (wrapped) by Storage.WriteLocalFile when
	// the local image is missing.
	ErrImageNotFound = errors.New("image not found")

	ErrNoPower   = errors.New("device has no power control")
	ErrNoStorage = errors.New("device has no storage")
)

type Power interface {
	On(ctx context.Context) error
	Off(ctx context.Context) error
}

type Storage interface {
	// WriteLocalFile copies a local disk image onto the device's storage.
	WriteLocalFile(ctx context.Context, path string) error
	// DUT attaches the storage to the device under test.
	DUT(ctx context.Context) error
}

const (
	DefaultPowerSettle     = time.Second
	DefaultPowerOffSettle  = 2 * time.Second
	DefaultPowerOffTimeout = 90 * time.Second
)

var powerOffPattern = expect.Literal("System Power Off")

// Device is one board under test. Its methods must not be called
// concurrently; the console serves one command at a time.
type Device struct {
	Name string

	Power   Power
	Storage Storage // optional for Shell and PowerOff
	Console shell.Console

	Credentials shell.Credentials
	Options     shell.Options

	PowerSettle     time.Duration
	PowerOffSettle  time.Duration
	PowerOffTimeout time.Duration

	Logger *slog.Logger

	mu     sync.Mutex
	booted bool
	shell  *shell.Session
}

func (d *Device) log() *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("device", d.Name)
}

// Booted reports whether a session from BootedShell is available for reuse.
func (d *Device) Booted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.booted
}

// Shell power-cycles the device and logs in on a fresh boot. The returned
// session is not kept for reuse by BootedShell.
func (d *Device) Shell(ctx context.Context) (*shell.Session, error) {
	d.forget()
	// asked before the power cycle so a prompt does not race the boot
	if err := d.Credentials.ResolvePassword(); err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	if err := d.powerCycle(ctx); err != nil {
		return nil, err
	}
	return d.login()
}

// BootedShell returns the session of an earlier boot if it is still logged
// in, and boots the device otherwise.
func (d *Device) BootedShell(ctx context.Context) (*shell.Session, error) {
	d.mu.Lock()
	if d.booted && d.shell != nil && d.shell.LoggedIn() {
		s := d.shell
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	s, err := d.Shell(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.booted = true
	d.shell = s
	d.mu.Unlock()
	return s, nil
}

// PowerOff asks the system logged in on s to shut down, then cuts power.
// A nil s means the BootedShell session, if any; without a logged-in session
// only the hard power off runs. A soft shutdown that does not report
// completion in time is logged and the hard power off still runs. The booted
// flag is cleared in every case.
func (d *Device) PowerOff(ctx context.Context, s *shell.Session) error {
	log := d.log()

	if s == nil {
		d.mu.Lock()
		s = d.shell
		d.mu.Unlock()
	}

	if s != nil && s.LoggedIn() && d.Console != nil {
		s.Invalidate()
		timeout := orDefault(d.PowerOffTimeout, DefaultPowerOffTimeout)
		if err := d.Console.Send([]byte("poweroff\n")); err != nil {
			log.Error("soft power off failed", "err", err)
		} else if _, err := d.Console.Expect(powerOffPattern, timeout); err != nil {
			log.Error("system did not report power off", "timeout", timeout, "err", err)
		}
	}

	d.forget()

	if d.Power == nil {
		return ErrNoPower
	}
	if err := d.Power.Off(ctx); err != nil {
		return fmt.Errorf("power off %s: %w", d.Name, err)
	}
	return sleep(ctx, orDefault(d.PowerOffSettle, DefaultPowerOffSettle))
}

// Setup powers the device off and writes image to its storage, then
// attaches the storage to the device.
func (d *Device) Setup(ctx context.Context, image string) error {
	if d.Storage == nil {
		return ErrNoStorage
	}
	if d.Power == nil {
		return ErrNoPower
	}
	d.forget()

	if err := d.Power.Off(ctx); err != nil {
		return fmt.Errorf("power off %s: %w", d.Name, err)
	}
	d.log().Info("writing image", "image", image)
	if err := d.Storage.WriteLocalFile(ctx, image); err != nil {
		return fmt.Errorf("write image %s: %w", image, err)
	}
	if err := d.Storage.DUT(ctx); err != nil {
		return fmt.Errorf("attach storage: %w", err)
	}
	return nil
}

func (d *Device) powerCycle(ctx context.Context) error {
	if d.Power == nil {
		return ErrNoPower
	}
	log := d.log()

	log.Info("power cycling")
	if err := d.Power.Off(ctx); err != nil {
		return fmt.Errorf("power off %s: %w", d.Name, err)
	}
	if err := sleep(ctx, orDefault(d.PowerSettle, DefaultPowerSettle)); err != nil {
		return err
	}
	if d.Storage != nil {
		if err := d.Storage.DUT(ctx); err != nil {
			return fmt.Errorf("attach storage: %w", err)
		}
	}
	if err := d.Power.On(ctx); err != nil {
		return fmt.Errorf("power on %s: %w", d.Name, err)
	}
	return nil
}

// Attach binds a session to a shell that an earlier login left on the
// console, without power cycling.
func (d *Device) Attach() *shell.Session {
	return shell.New(d.Console, d.Credentials.ShellPrompt(), d.shellOptions())
}

func (d *Device) login() (*shell.Session, error) {
	s, err := shell.Login(d.Console, d.Credentials, d.shellOptions())
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", d.Name, err)
	}
	return s, nil
}

func (d *Device) shellOptions() shell.Options {
	opts := d.Options
	if opts.Logger == nil {
		opts.Logger = d.log()
	}
	return opts
}

func (d *Device) forget() {
	d.mu.Lock()
	d.booted = false
	d.shell = nil
	d.mu.Unlock()
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
