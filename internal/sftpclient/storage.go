// Package sftpclient provisions disk images on a storage host over SFTP and
// attaches that storage to the device under test.
package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ankouros/dutconsole/internal/device"
	"github.com/ankouros/dutconsole/internal/model"
	"github.com/ankouros/dutconsole/internal/sshclient"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type Storage struct {
	dev              model.Device
	passwordProvider func() (string, error)
	log              *slog.Logger

	mu      sync.Mutex
	ssh     *ssh.Client
	cleanup func()
	sftp    *sftp.Client
}

var _ device.Storage = (*Storage)(nil)

func NewStorage(dev model.Device, passwordProvider func() (string, error), log *slog.Logger) (*Storage, error) {
	if dev.Storage == nil {
		return nil, fmt.Errorf("device %s: %w", dev.Name, device.ErrNoStorage)
	}
	if strings.TrimSpace(dev.Storage.Host) == "" {
		return nil, errors.New("storage host is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Storage{
		dev:              dev,
		passwordProvider: passwordProvider,
		log:              log.With("device", dev.Name, "storage", dev.Storage.Host),
	}, nil
}

// target is the device's connection settings pointed at the storage host.
func (s *Storage) target() model.Device {
	t := s.dev
	cfg := s.dev.Storage
	t.Host = cfg.Host
	t.Port = cfg.Port
	if t.Port <= 0 {
		t.Port = 22
	}
	if u := strings.TrimSpace(cfg.User); u != "" {
		t.User = u
	}
	t.Driver = model.DriverSSH
	return t
}

func (s *Storage) ensure(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ssh != nil && s.sftp != nil {
		return s.ssh, s.sftp, nil
	}

	client, cleanup, err := sshclient.DialClient(ctx, s.target(), s.passwordProvider, s.log)
	if err != nil {
		return nil, nil, err
	}

	sf, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, err
	}

	s.ssh, s.cleanup, s.sftp = client, cleanup, sf
	return client, sf, nil
}

// WriteLocalFile uploads the image at localPath to the configured remote
// path. A remote directory receives the file under its base name. The copy
// goes to a temporary name first so a cancelled upload never leaves a
// truncated image in place.
func (s *Storage) WriteLocalFile(ctx context.Context, localPath string) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", localPath, device.ErrImageNotFound)
		}
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}

	_, c, err := s.ensure(ctx)
	if err != nil {
		return err
	}

	dst := cleanRemotePath(s.dev.Storage.RemotePath)
	if rfi, err := c.Stat(dst); err == nil && rfi.IsDir() {
		dst = path.Join(dst, filepath.Base(localPath))
	}
	tmp := dst + ".part"

	lf, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer lf.Close()

	rf, err := c.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}

	start := time.Now()
	n, err := io.Copy(rf, &ctxReader{ctx: ctx, r: lf})
	if cerr := rf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.Remove(tmp)
		return fmt.Errorf("upload %s: %w", localPath, err)
	}

	if err := c.PosixRename(tmp, dst); err != nil {
		// servers without the posix-rename extension refuse to overwrite
		_ = c.Remove(dst)
		if err := c.Rename(tmp, dst); err != nil {
			return fmt.Errorf("rename %s: %w", tmp, err)
		}
	}

	s.log.Info("image uploaded", "local", localPath, "remote", dst, "bytes", n, "elapsed", time.Since(start))
	return nil
}

// DUT runs the configured attach command on the storage host. Without one
// the storage is assumed to be permanently attached.
func (s *Storage) DUT(ctx context.Context) error {
	cmd := strings.TrimSpace(s.dev.Storage.DUTCommand)
	if cmd == "" {
		s.log.Debug("no dut command configured")
		return nil
	}

	client, _, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	out, err := sshclient.RunCommand(ctx, client, cmd)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	s.log.Debug("storage attached", "command", cmd, "output", strings.TrimSpace(string(out)))
	return nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.sftp != nil {
		err = s.sftp.Close()
	}
	if s.ssh != nil {
		_ = s.ssh.Close()
	}
	if s.cleanup != nil {
		s.cleanup()
	}
	s.ssh, s.sftp, s.cleanup = nil, nil, nil
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func cleanRemotePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "."
	}
	// Force Unix semantics.
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "~") {
		// Let server resolve it best-effort.
		return p
	}
	return path.Clean(p)
}
