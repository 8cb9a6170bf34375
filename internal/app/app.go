// Package app is the dutconsole command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ankouros/dutconsole/internal/buildinfo"
	"github.com/ankouros/dutconsole/internal/config"
	"github.com/ankouros/dutconsole/internal/model"
	"github.com/ankouros/dutconsole/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// ExitCodeError makes the process exit with Code without printing anything.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

type globalFlags struct {
	configPath string
	logLevel   string
	mirror     bool
	stripANSI  bool
	askPass    bool
}

// env is what every subcommand works with once the root flags are parsed.
type env struct {
	flags globalFlags
	log   *slog.Logger
	cfg   model.AppConfig

	stdin  *os.File
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd() *cobra.Command {
	e := &env{stdin: os.Stdin}

	root := &cobra.Command{
		Use:           "dutconsole",
		Short:         "Drive boards under test through their serial console",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			e.stdout = cmd.OutOrStdout()
			e.stderr = cmd.ErrOrStderr()

			log, err := newLogger(e.stderr, e.flags.logLevel)
			if err != nil {
				return err
			}
			e.log = log

			cfg, err := loadConfig(e.flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			e.cfg = cfg
			return nil
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&e.flags.configPath, "config", "", "config file (JSON or YAML); defaults to the user config")
	pf.StringVar(&e.flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.BoolVar(&e.flags.mirror, "mirror", false, "copy console output to stdout")
	pf.BoolVar(&e.flags.stripANSI, "strip-ansi", false, "remove ANSI escape sequences from the mirror")
	pf.BoolVar(&e.flags.askPass, "ask-pass", false, "prompt for passwords missing from the config")

	root.AddCommand(
		newRunCmd(e),
		newLoginCmd(e),
		newFlashCmd(e),
		newPowerCmd(e),
		newDevicesCmd(e),
		newConfigCmd(e),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(), os.Args[1:])
}

func execute(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *ExitCodeError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	return 1
}

// newLogger follows the usual CLI split: text for a terminal, JSON when
// stderr is captured.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), nil
}

func loadConfig(path string) (model.AppConfig, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, _, err := config.EnsureConfig()
	return cfg, err
}

func (e *env) manager() *session.Manager {
	opts := []session.Option{
		session.WithLogger(e.log),
		session.WithSSHPassword(e.passwordPrompt("ssh password for %s@%s", func(d model.Device) []any {
			return []any{d.User, d.Host}
		})),
		session.WithLoginPassword(e.passwordPrompt("login password for %s on %s", func(d model.Device) []any {
			return []any{d.Login.Username, d.Name}
		})),
	}
	if e.flags.mirror {
		var w io.Writer = e.stdout
		if e.flags.stripANSI {
			w = newStripWriter(w)
		}
		opts = append(opts, session.WithMirror(w))
	}
	return session.NewManager(e.cfg, opts...)
}

func (e *env) passwordPrompt(format string, args func(model.Device) []any) session.PasswordFunc {
	return func(dev model.Device) (string, error) {
		prompt := fmt.Sprintf(format, args(dev)...)
		if !e.flags.askPass {
			return "", fmt.Errorf("no %s configured (use --ask-pass)", prompt)
		}
		return readPassword(e.stdin, e.stderr, prompt)
	}
}

func readPassword(in *os.File, out io.Writer, prompt string) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for the password prompt")
	}
	fmt.Fprintf(out, "%s: ", prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
