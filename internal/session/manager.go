// Package session keeps one console connection per configured device and
// builds device handles on top of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ankouros/dutconsole/internal/cmdclient"
	"github.com/ankouros/dutconsole/internal/config"
	"github.com/ankouros/dutconsole/internal/device"
	"github.com/ankouros/dutconsole/internal/expect"
	"github.com/ankouros/dutconsole/internal/model"
	"github.com/ankouros/dutconsole/internal/power"
	"github.com/ankouros/dutconsole/internal/sftpclient"
	"github.com/ankouros/dutconsole/internal/shell"
	"github.com/ankouros/dutconsole/internal/sshclient"
	"github.com/ankouros/dutconsole/internal/terminal"
)

type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type SessionInfo struct {
	State   SessionState
	LastErr string
}

// PasswordFunc returns a password for dev. It is only called when the
// configuration does not hold one.
type PasswordFunc func(dev model.Device) (string, error)

type dialFunc func(ctx context.Context, dev model.Device, cols, rows int, pw func() (string, error), log *slog.Logger) (terminal.Session, error)

type ManagedSession struct {
	Device model.Device
	Stream *expect.Stream

	State SessionState
	Err   error

	device *device.Device

	mu sync.Mutex
}

type Manager struct {
	mu sync.Mutex

	cfg model.AppConfig

	sessions map[int]*ManagedSession
	storage  map[int]*sftpclient.Storage

	sshPassword   PasswordFunc
	loginPassword PasswordFunc
	mirror        io.Writer
	log           *slog.Logger
	dial          dialFunc
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMirror copies everything read from device consoles to w.
func WithMirror(w io.Writer) Option {
	return func(m *Manager) { m.mirror = w }
}

// WithSSHPassword sets the fallback for console and storage servers that use
// password auth without a stored password.
func WithSSHPassword(fn PasswordFunc) Option {
	return func(m *Manager) { m.sshPassword = fn }
}

// WithLoginPassword sets the fallback for device logins without a stored
// password.
func WithLoginPassword(fn PasswordFunc) Option {
	return func(m *Manager) { m.loginPassword = fn }
}

func NewManager(cfg model.AppConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[int]*ManagedSession),
		storage:  make(map[int]*sftpclient.Storage),
		log:      slog.Default(),
		dial:     dial,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) SetConfig(cfg model.AppConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) Config() model.AppConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) findDevice(ref string) (model.Device, error) {
	dev, ok := config.FindDevice(m.Config(), ref)
	if !ok {
		return model.Device{}, fmt.Errorf("device %q not found", ref)
	}
	return dev, nil
}

// Ensure returns the live console of the device named or numbered ref,
// dialing it if needed. A console that went away is dialed afresh.
func (m *Manager) Ensure(ctx context.Context, ref string) (*expect.Stream, error) {
	dev, err := m.findDevice(ref)
	if err != nil {
		return nil, err
	}
	ms, err := m.ensure(ctx, dev)
	if err != nil {
		return nil, err
	}
	return ms.Stream, nil
}

func (m *Manager) ensure(ctx context.Context, dev model.Device) (*ManagedSession, error) {
	m.mu.Lock()
	if ms := m.sessions[dev.ID]; ms != nil {
		ms.mu.Lock()
		live := ms.State == StateConnected && ms.Stream != nil
		ms.mu.Unlock()
		if live {
			m.mu.Unlock()
			return ms, nil
		}
		delete(m.sessions, dev.ID)
	}
	m.mu.Unlock()

	log := m.log.With("device", dev.Name)
	sess, err := m.dial(ctx, dev, dev.Login.Cols, dev.Login.Rows, m.sshPasswordFor(dev), log)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dev.Name, err)
	}
	log.Info("console connected", "driver", dev.Driver)

	opts := []expect.Option{expect.WithLogger(log)}
	if m.mirror != nil {
		opts = append(opts, expect.WithMirror(m.mirror))
	}
	ms := &ManagedSession{
		Device: dev,
		Stream: expect.New(sess, opts...),
		State:  StateConnected,
	}

	m.mu.Lock()
	m.sessions[dev.ID] = ms
	m.mu.Unlock()

	go m.monitor(ms)
	return ms, nil
}

func (m *Manager) monitor(ms *ManagedSession) {
	<-ms.Stream.Done()

	ms.mu.Lock()
	wasConnected := ms.State == StateConnected
	ms.State = StateDisconnected
	if ms.Err == nil {
		ms.Err = errors.New("connection lost")
	}
	ms.mu.Unlock()

	if wasConnected {
		m.log.Warn("console disconnected", "device", ms.Device.Name)
	}
}

// Device returns the lifecycle handle of the device, connected to its
// console. The handle lives as long as the console, so a boot done through
// it is reused by later calls. Power and storage come from the device
// configuration.
func (m *Manager) Device(ctx context.Context, ref string) (*device.Device, error) {
	dev, err := m.findDevice(ref)
	if err != nil {
		return nil, err
	}
	ms, err := m.ensure(ctx, dev)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	d := ms.device
	ms.mu.Unlock()
	if d != nil {
		return d, nil
	}

	// built unlocked; storageFor takes m.mu
	d, err = m.newDevice(dev)
	if err != nil {
		return nil, err
	}
	d.Console = ms.Stream

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.device == nil {
		ms.device = d
	}
	return ms.device, nil
}

// Controls returns a handle with power and storage but no console, for
// operations that never talk to the shell.
func (m *Manager) Controls(ref string) (*device.Device, error) {
	dev, err := m.findDevice(ref)
	if err != nil {
		return nil, err
	}
	return m.newDevice(dev)
}

func (m *Manager) newDevice(dev model.Device) (*device.Device, error) {
	d := &device.Device{
		Name:        dev.Name,
		Power:       power.FromConfig(dev, m.log),
		Credentials: m.credentials(dev),
		Options: shell.Options{
			Rows:                       dev.Login.Rows,
			Cols:                       dev.Login.Cols,
			KeepTrailingPromptFragment: dev.Login.KeepTrailingPrompt,
			Logger:                     m.log.With("device", dev.Name),
		},
		Logger: m.log,
	}
	if dev.Storage != nil {
		st, err := m.storageFor(dev)
		if err != nil {
			return nil, err
		}
		d.Storage = st
	}
	return d, nil
}

func (m *Manager) storageFor(dev model.Device) (*sftpclient.Storage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.storage[dev.ID]; st != nil {
		return st, nil
	}
	st, err := sftpclient.NewStorage(dev, m.sshPasswordFor(dev), m.log)
	if err != nil {
		return nil, err
	}
	m.storage[dev.ID] = st
	return st, nil
}

// credentials leaves the password to the first login that needs it.
func (m *Manager) credentials(dev model.Device) shell.Credentials {
	l := dev.Login
	c := shell.Credentials{
		Username:        l.Username,
		Password:        l.Password,
		LoginPattern:    expect.Literal(l.LoginPattern),
		PasswordPattern: expect.Literal(l.PasswordPattern),
		Prompt:          expect.Literal(l.Prompt),
		SetPrompt:       l.SetPrompt,
	}
	if c.Password == "" && m.loginPassword != nil {
		c.PasswordFunc = func() (string, error) { return m.loginPassword(dev) }
	}
	return c
}

func (m *Manager) sshPasswordFor(dev model.Device) func() (string, error) {
	return func() (string, error) {
		if m.sshPassword == nil {
			return "", errors.New("password provider not set")
		}
		return m.sshPassword(dev)
	}
}

func (m *Manager) Resize(deviceID, cols, rows int) error {
	m.mu.Lock()
	ms := m.sessions[deviceID]
	m.mu.Unlock()
	if ms == nil {
		return nil
	}
	return ms.Stream.Resize(cols, rows)
}

func (m *Manager) SessionInfo(deviceID int) SessionInfo {
	m.mu.Lock()
	ms := m.sessions[deviceID]
	m.mu.Unlock()
	if ms == nil {
		return SessionInfo{State: StateDisconnected}
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	info := SessionInfo{State: ms.State}
	if ms.Err != nil {
		info.LastErr = ms.Err.Error()
	}
	return info
}

func dial(
	ctx context.Context,
	dev model.Device,
	cols, rows int,
	pw func() (string, error),
	log *slog.Logger,
) (terminal.Session, error) {
	driver := dev.Driver
	if driver == "" {
		driver = model.DriverSSH
	}

	switch driver {
	case model.DriverSSH:
		return sshclient.DialAndStart(ctx, dev, cols, rows, pw, log)

	case model.DriverProcess:
		return cmdclient.StartProcess(ctx, dev, cols, rows, log)

	default:
		return nil, fmt.Errorf("unknown connection driver: %s", driver)
	}
}

// Disconnect closes the console and the storage connection of a device.
func (m *Manager) Disconnect(deviceID int) error {
	m.mu.Lock()
	ms := m.sessions[deviceID]
	st := m.storage[deviceID]
	delete(m.sessions, deviceID)
	delete(m.storage, deviceID)
	m.mu.Unlock()

	if st != nil {
		_ = st.Close()
	}
	if ms == nil {
		return nil
	}
	return ms.close()
}

func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	sessions := make([]*ManagedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		if ms != nil {
			sessions = append(sessions, ms)
		}
	}
	storage := make([]*sftpclient.Storage, 0, len(m.storage))
	for _, st := range m.storage {
		storage = append(storage, st)
	}
	m.sessions = make(map[int]*ManagedSession)
	m.storage = make(map[int]*sftpclient.Storage)
	m.mu.Unlock()

	for _, st := range storage {
		_ = st.Close()
	}
	for _, ms := range sessions {
		_ = ms.close()
	}
}

func (ms *ManagedSession) close() error {
	ms.mu.Lock()
	ms.State = StateDisconnected
	ms.Err = nil
	ms.device = nil
	ms.mu.Unlock()

	return ms.Stream.Close()
}
