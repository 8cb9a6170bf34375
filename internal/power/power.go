// Package power switches a board through configured local shell commands,
// e.g. a relay CLI or a smart PDU client.
package power

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/ankouros/dutconsole/internal/device"
	"github.com/ankouros/dutconsole/internal/model"
)

var ErrNotConfigured = errors.New("power command not configured")

type Commands struct {
	Device     string
	OnCommand  string
	OffCommand string
	Shell      string // defaults to /bin/sh
	Logger     *slog.Logger
}

var _ device.Power = (*Commands)(nil)

func FromConfig(dev model.Device, log *slog.Logger) *Commands {
	c := &Commands{Device: dev.Name, Logger: log}
	if dev.Power != nil {
		c.OnCommand = dev.Power.On
		c.OffCommand = dev.Power.Off
	}
	return c
}

func (c *Commands) On(ctx context.Context) error  { return c.run(ctx, "on", c.OnCommand) }
func (c *Commands) Off(ctx context.Context) error { return c.run(ctx, "off", c.OffCommand) }

func (c *Commands) run(ctx context.Context, action, command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("%s: %w", action, ErrNotConfigured)
	}
	sh := c.Shell
	if sh == "" {
		sh = "/bin/sh"
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, sh, "-c", command) //nolint:gosec // user-configured command
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Debug("power", "device", c.Device, "action", action, "command", command)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg != "" {
			return fmt.Errorf("power %s %q: %w: %s", action, command, err, msg)
		}
		return fmt.Errorf("power %s %q: %w", action, command, err)
	}
	return nil
}
