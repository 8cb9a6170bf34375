package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ankouros/dutconsole/internal/config"
	"github.com/ankouros/dutconsole/internal/device"
	"github.com/ankouros/dutconsole/internal/model"
	"github.com/ankouros/dutconsole/internal/shell"
	"github.com/spf13/cobra"
)

func newRunCmd(e *env) *cobra.Command {
	var (
		attach   bool
		fresh    bool
		poweroff bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <device> -- <command...>",
		Short: "Boot a device, log in and run one shell command",
		Long: "Boots the device (power cycle, attach storage, log in), runs the command on\n" +
			"its console and prints the output. The exit code is the command's.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr := e.manager()
			defer mgr.DisconnectAll()

			d, err := mgr.Device(ctx, args[0])
			if err != nil {
				return err
			}

			var s *shell.Session
			switch {
			case attach:
				s = d.Attach()
			case fresh:
				s, err = d.Shell(ctx)
			default:
				s, err = d.BootedShell(ctx)
			}
			if err != nil {
				return err
			}

			command := strings.Join(args[1:], " ")
			res, err := s.Exec(command, shell.RunOptions{Timeout: timeout})
			if err != nil {
				return err
			}
			if len(res.Output) > 0 {
				fmt.Fprintf(e.stdout, "%s\n", res.Output)
			}

			if poweroff {
				if err := d.PowerOff(ctx, s); err != nil {
					return err
				}
			}
			if res.ExitCode != 0 {
				return &ExitCodeError{Code: res.ExitCode}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&attach, "attach", false, "use the shell already logged in on the console, no power cycle")
	f.BoolVar(&fresh, "fresh", false, "always power cycle before running")
	f.BoolVar(&poweroff, "poweroff", false, "shut the device down afterwards")
	f.DurationVar(&timeout, "timeout", 0, "command timeout (default 4m)")
	cmd.MarkFlagsMutuallyExclusive("attach", "fresh")
	return cmd
}

func newLoginCmd(e *env) *cobra.Command {
	var boot bool
	cmd := &cobra.Command{
		Use:   "login <device>",
		Short: "Log in on a device console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr := e.manager()
			defer mgr.DisconnectAll()

			d, err := mgr.Device(ctx, args[0])
			if err != nil {
				return err
			}

			var s *shell.Session
			if boot {
				s, err = d.Shell(ctx)
			} else {
				s, err = shell.Login(d.Console, d.Credentials, d.Options)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(e.stdout, "logged in to %s (session %s)\n", d.Name, s.ID())
			return nil
		},
	}
	cmd.Flags().BoolVar(&boot, "boot", false, "power cycle the device first")
	return cmd
}

func newFlashCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "flash <device> <image>",
		Short: "Write a disk image to the device's storage and attach it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr := e.manager()
			defer mgr.DisconnectAll()

			d, err := mgr.Controls(args[0])
			if err != nil {
				return err
			}
			if err := d.Setup(ctx, args[1]); err != nil {
				if errors.Is(err, device.ErrImageNotFound) {
					return fmt.Errorf("%w (build or download the image first)", err)
				}
				return err
			}
			fmt.Fprintf(e.stdout, "flashed %s with %s\n", d.Name, args[1])
			return nil
		},
	}
}

func newPowerCmd(e *env) *cobra.Command {
	power := &cobra.Command{
		Use:   "power",
		Short: "Switch device power",
	}

	on := &cobra.Command{
		Use:   "on <device>",
		Short: "Power a device on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withDevice(cmd.Context(), args[0], false, func(d *device.Device) error {
				return d.Power.On(cmd.Context())
			})
		},
	}

	var soft bool
	off := &cobra.Command{
		Use:   "off <device>",
		Short: "Power a device off",
		Long: "Cuts power to the device. With --soft, a shell already logged in on the\n" +
			"console is asked to shut down first.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withDevice(cmd.Context(), args[0], soft, func(d *device.Device) error {
				var s *shell.Session
				if soft {
					s = d.Attach()
				}
				return d.PowerOff(cmd.Context(), s)
			})
		},
	}
	off.Flags().BoolVar(&soft, "soft", false, "run poweroff on the console before cutting power")

	power.AddCommand(on, off)
	return power
}

// withDevice hands fn a device handle. Without console, no console is
// dialed and no login password is asked for.
func (e *env) withDevice(ctx context.Context, ref string, console bool, fn func(d *device.Device) error) error {
	mgr := e.manager()
	defer mgr.DisconnectAll()

	var (
		d   *device.Device
		err error
	)
	if console {
		d, err = mgr.Device(ctx, ref)
	} else {
		d, err = mgr.Controls(ref)
	}
	if err != nil {
		return err
	}
	return fn(d)
}

func newDevicesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List configured devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDRIVER\tCONSOLE\tPOWER\tSTORAGE")
			for _, d := range e.cfg.Devices {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Name, d.Driver, consoleTarget(d), yesNo(d.Power != nil), storageTarget(d))
			}
			return tw.Flush()
		},
	}
}

func newConfigCmd(e *env) *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage the user config",
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the user config path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.ConfigPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.stdout, p)
			return nil
		},
	}

	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the user config with a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, backup, err := config.ImportFromFile(args[0])
			if err != nil {
				return err
			}
			if backup != "" {
				e.log.Info("previous config saved", "path", backup)
			}
			fmt.Fprintf(e.stdout, "imported %d devices\n", len(c.Devices))
			return nil
		},
	}

	cfg.AddCommand(path, imp)
	return cfg
}

func consoleTarget(d model.Device) string {
	if d.Driver == model.DriverProcess && d.Process != nil {
		return d.Process.Path
	}
	return fmt.Sprintf("%s@%s:%d", d.User, d.Host, d.Port)
}

func storageTarget(d model.Device) string {
	if d.Storage == nil {
		return "-"
	}
	return d.Storage.Host + ":" + d.Storage.RemotePath
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
