package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ankouros/dutconsole/internal/model"
	"github.com/ankouros/dutconsole/internal/terminal"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

/*
Known-hosts UX errors
*/

type ErrUnknownHostKey struct {
	HostPort    string
	Fingerprint string
	Key         ssh.PublicKey
}

func (e ErrUnknownHostKey) Error() string {
	return "unknown host key: " + e.HostPort + " (" + e.Fingerprint + ")"
}

type ErrHostKeyMismatch struct {
	HostPort    string
	Fingerprint string
	Key         ssh.PublicKey
}

func (e ErrHostKeyMismatch) Error() string {
	return "host key mismatch: " + e.HostPort + " (" + e.Fingerprint + ")"
}

/*
ConsoleSession
*/

// ConsoleSession is an interactive PTY shell on a console server, typically
// one that bridges to a board's serial port.
type ConsoleSession struct {
	Device model.Device

	client  *ssh.Client
	sess    *ssh.Session
	cleanup func()

	stdin io.WriteCloser

	output chan []byte
	done   chan struct{}

	once sync.Once
}

var _ terminal.Session = (*ConsoleSession)(nil)

// DialClient connects and authenticates. The returned cleanup releases
// auth resources (agent socket) and must be called after the client closes.
// A nil log means slog.Default().
func DialClient(
	ctx context.Context,
	dev model.Device,
	passwordProvider func() (string, error),
	log *slog.Logger,
) (*ssh.Client, func(), error) {
	if log == nil {
		log = slog.Default()
	}

	cfg, cleanup, err := buildClientConfig(dev, passwordProvider)
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(dev.Host, fmt.Sprint(dev.Port))
	log.Debug("ssh dial", "addr", addr, "user", dev.User)

	dialer := net.Dialer{Timeout: 8 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		runCleanup(cleanup)
		return nil, nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		runCleanup(cleanup)
		return nil, nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}

	log.Debug("ssh connected", "addr", addr)
	return ssh.NewClient(c, chans, reqs), cleanup, nil
}

// DialAndStart opens a PTY shell on the console server.
func DialAndStart(
	ctx context.Context,
	dev model.Device,
	cols, rows int,
	passwordProvider func() (string, error),
	log *slog.Logger,
) (*ConsoleSession, error) {

	client, cleanup, err := DialClient(ctx, dev, passwordProvider, log)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*ConsoleSession, error) {
		client.Close()
		runCleanup(cleanup)
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		return fail(err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}

	if err := sess.RequestPty("vt100", rows, cols, modes); err != nil {
		_ = sess.Close()
		return fail(err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return fail(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return fail(err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return fail(err)
	}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return fail(err)
	}

	cs := &ConsoleSession{
		Device:  dev,
		client:  client,
		sess:    sess,
		cleanup: cleanup,
		stdin:   stdin,
		output:  make(chan []byte, 128),
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		cs.pump(stdout)
	}()
	go func() {
		defer wg.Done()
		cs.pump(stderr)
	}()

	// Output is closed only after both pumps stopped sending.
	go func() {
		wg.Wait()
		close(cs.output)
		_ = cs.Close()
	}()

	return cs, nil
}

/*
Pump output
*/

func (s *ConsoleSession) pump(r io.Reader) {
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

func (s *ConsoleSession) Output() <-chan []byte { return s.output }
func (s *ConsoleSession) Done() <-chan struct{} { return s.done }

func (s *ConsoleSession) Write(p []byte) error {
	_, err := s.stdin.Write(p)
	return err
}

func (s *ConsoleSession) Resize(cols, rows int) error {
	if s.sess == nil {
		return nil
	}
	return s.sess.WindowChange(rows, cols)
}

func (s *ConsoleSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.sess != nil {
			_ = s.sess.Close()
		}
		if s.client != nil {
			err = s.client.Close()
		}
		runCleanup(s.cleanup)
	})
	return err
}

// RunCommand runs a one-shot command on client and returns its combined output.
func RunCommand(ctx context.Context, client *ssh.Client, command string) ([]byte, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	out, err := sess.CombinedOutput(command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("run %q: %w", command, err)
	}
	return out, nil
}

/*
Client config
*/

func buildClientConfig(
	dev model.Device,
	passwordProvider func() (string, error),
) (*ssh.ClientConfig, func(), error) {

	auth, cleanup, err := authMethod(dev, passwordProvider)
	if err != nil {
		return nil, nil, err
	}

	hkcb, err := hostKeyCallback(dev)
	if err != nil {
		runCleanup(cleanup)
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            dev.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hkcb,
		Timeout:         10 * time.Second,
	}, cleanup, nil
}

/*
Authentication
*/

func authMethod(
	dev model.Device,
	passwordProvider func() (string, error),
) (ssh.AuthMethod, func(), error) {

	switch dev.Auth.Method {

	case model.AuthPassword, "":
		if dev.Auth.Password != "" {
			return ssh.Password(dev.Auth.Password), nil, nil
		}
		if passwordProvider == nil {
			return nil, nil, errors.New("password provider not set")
		}
		// Asked lazily so a key-only server never prompts.
		return ssh.PasswordCallback(passwordProvider), nil, nil

	case model.AuthKey:
		kp := expandHome(dev.Auth.KeyPath)
		if kp == "" {
			kp = expandHome("~/.ssh/id_rsa")
		}
		b, err := os.ReadFile(kp)
		if err != nil {
			return nil, nil, err
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, nil, err
		}
		return ssh.PublicKeys(signer), nil, nil

	case model.AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.DialTimeout("unix", sock, 2*time.Second)
		if err != nil {
			return nil, nil, err
		}
		ag := agent.NewClient(conn)
		return ssh.PublicKeysCallback(ag.Signers), func() { _ = conn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown auth method: %s", dev.Auth.Method)
	}
}

/*
Host key verification
*/

func hostKeyCallback(dev model.Device) (ssh.HostKeyCallback, error) {
	if dev.HostKey.Mode == model.HostKeyInsecure {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // lab console servers opt in explicitly
	}

	khPath := expandHome("~/.ssh/known_hosts")

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		hostPort := knownhosts.Normalize(hostname)

		matcher, err := knownhosts.New(khPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrUnknownHostKey{HostPort: hostPort, Fingerprint: fp, Key: key}
			}
			return err
		}

		err = matcher(hostname, remote, key)
		if err == nil {
			return nil
		}

		var kerr *knownhosts.KeyError
		if errors.As(err, &kerr) {

			// Unknown host
			if len(kerr.Want) == 0 {
				return ErrUnknownHostKey{
					HostPort:    hostPort,
					Fingerprint: fp,
					Key:         key,
				}
			}

			// Host key mismatch
			return ErrHostKeyMismatch{
				HostPort:    hostPort,
				Fingerprint: fp,
				Key:         key,
			}
		}

		return err
	}, nil
}

/*
Trust helper
*/

func TrustHostKey(hostPort string, key ssh.PublicKey) error {
	khPath := expandHome("~/.ssh/known_hosts")

	if err := os.MkdirAll(filepath.Dir(khPath), 0o700); err != nil {
		return err
	}

	line := knownhosts.Line([]string{hostPort}, key)

	f, err := os.OpenFile(khPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line + "\n")
	return err
}

/*
Utils
*/

func runCleanup(fn func()) {
	if fn != nil {
		fn()
	}
}

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, p[2:])
		}
	}
	return p
}
