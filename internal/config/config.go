package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/ankouros/dutconsole/internal/model"
)

const (
	ConfigDirName  = "dutconsole"
	ConfigFileName = "dutconsole.json"

	ConfigVersionCurrent = 1
)

// Login defaults match a stock Linux getty and root shell.
const (
	DefaultLoginPattern    = "login:"
	DefaultPasswordPattern = "Password:"
	DefaultPrompt          = "root@localhost ~]#"
	DefaultRows            = 100
	DefaultCols            = 200
)

var cfgMu sync.Mutex

// -----------------------------
// Defaults
// -----------------------------

func DefaultConfig() model.AppConfig {
	return model.AppConfig{
		Version: ConfigVersionCurrent,
		Devices: []model.Device{
			{
				ID:     1,
				UID:    model.NewID(),
				Name:   "example",
				Driver: model.DriverProcess,
				Process: &model.ProcessConfig{
					Path: "/usr/bin/picocom",
					Args: []string{"-q", "-b", "115200", "/dev/ttyUSB0"},
				},
				HostKey: model.HostKeyConfig{
					Mode: model.HostKeyKnownHosts,
				},
				Login: model.LoginConfig{
					Username:        "root",
					LoginPattern:    DefaultLoginPattern,
					PasswordPattern: DefaultPasswordPattern,
					Prompt:          DefaultPrompt,
					Rows:            DefaultRows,
					Cols:            DefaultCols,
				},
			},
		},
	}
}

// -----------------------------
// Paths
// -----------------------------

func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", ConfigDirName, ConfigFileName), nil
}

func ensureDir() (string, error) {
	p, err := ConfigPath()
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return p, nil
}

// -----------------------------
// Public API
// -----------------------------

func EnsureConfig() (model.AppConfig, string, error) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return ensureConfigLocked()
}

func Load() (model.AppConfig, error) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return loadLocked()
}

// FindDevice looks a device up by name first, then by numeric ID.
func FindDevice(cfg model.AppConfig, ref string) (model.Device, bool) {
	ref = strings.TrimSpace(ref)
	for _, d := range cfg.Devices {
		if d.Name == ref {
			return d, true
		}
	}
	for _, d := range cfg.Devices {
		if fmt.Sprint(d.ID) == ref {
			return d, true
		}
	}
	return model.Device{}, false
}

func ensureConfigLocked() (model.AppConfig, string, error) {
	p, err := ConfigPath()
	if err != nil {
		return model.AppConfig{}, "", err
	}

	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := saveLocked(cfg); err != nil {
			return model.AppConfig{}, "", err
		}
		return cfg, p, nil
	}

	cfg, err := loadLocked()
	return cfg, p, err
}

func loadLocked() (model.AppConfig, error) {
	p, err := ConfigPath()
	if err != nil {
		return model.AppConfig{}, err
	}

	b, err := os.ReadFile(p)
	if err != nil {
		return model.AppConfig{}, err
	}

	var cfg model.AppConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return model.AppConfig{}, fmt.Errorf("invalid config JSON: %w", err)
	}

	// ---- migration / normalization ----
	if cfg.Version == 0 {
		cfg.Version = ConfigVersionCurrent
		if err := saveLocked(cfg); err != nil {
			return model.AppConfig{}, err
		}
	}

	if cfg.Version != ConfigVersionCurrent {
		return model.AppConfig{}, fmt.Errorf(
			"unsupported config version %d (expected %d)",
			cfg.Version,
			ConfigVersionCurrent,
		)
	}

	if normalize(&cfg) {
		if err := saveLocked(cfg); err != nil {
			return model.AppConfig{}, err
		}
	}

	return cfg, nil
}

// normalize runs every normalization pass and reports whether any changed cfg.
func normalize(cfg *model.AppConfig) bool {
	changed := normalizeIDs(cfg)
	if normalizeUIDs(cfg) {
		changed = true
	}
	if normalizeDrivers(cfg) {
		changed = true
	}
	if normalizeLogin(cfg) {
		changed = true
	}
	return changed
}

func normalizeDrivers(cfg *model.AppConfig) bool {
	changed := false
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Driver == "" {
			d.Driver = model.DriverSSH
			if d.Process != nil {
				d.Driver = model.DriverProcess
			}
			changed = true
		}
		if d.Driver == model.DriverSSH {
			if d.Port == 0 {
				d.Port = 22
				changed = true
			}
			if d.Auth.Method == "" {
				d.Auth.Method = model.AuthPassword
				changed = true
			}
			if d.HostKey.Mode == "" {
				d.HostKey.Mode = model.HostKeyKnownHosts
				changed = true
			}
		}
		if d.Storage != nil && d.Storage.Port == 0 {
			d.Storage.Port = 22
			changed = true
		}
	}
	return changed
}

func normalizeLogin(cfg *model.AppConfig) bool {
	changed := false
	set := func(field *string, def string) {
		if strings.TrimSpace(*field) == "" {
			*field = def
			changed = true
		}
	}
	for i := range cfg.Devices {
		l := &cfg.Devices[i].Login
		set(&l.LoginPattern, DefaultLoginPattern)
		set(&l.PasswordPattern, DefaultPasswordPattern)
		set(&l.Prompt, DefaultPrompt)
		if l.Rows <= 0 {
			l.Rows = DefaultRows
			changed = true
		}
		if l.Cols <= 0 {
			l.Cols = DefaultCols
			changed = true
		}
	}
	return changed
}

func normalizeUIDs(cfg *model.AppConfig) bool {
	changed := false
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.UID == "" {
			d.UID = model.NewID()
			changed = true
		}
	}
	return changed
}

func normalizeIDs(cfg *model.AppConfig) bool {
	changed := false

	// Ensure device IDs are unique and non-zero.
	used := make(map[int]struct{}, len(cfg.Devices))
	next := 1
	for i := range cfg.Devices {
		id := cfg.Devices[i].ID
		for {
			if id <= 0 {
				id = next
			}
			if _, ok := used[id]; ok {
				id++
				continue
			}
			break
		}
		if cfg.Devices[i].ID != id {
			cfg.Devices[i].ID = id
			changed = true
		}
		used[id] = struct{}{}
		for {
			next++
			if _, ok := used[next]; !ok {
				break
			}
		}
	}

	return changed
}

// Save writes the config atomically (tmp + fsync + rename)
func Save(cfg model.AppConfig) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return saveLocked(cfg)
}

func saveLocked(cfg model.AppConfig) error {
	p, err := ensureDir()
	if err != nil {
		return err
	}

	cfg.Version = ConfigVersionCurrent

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := p + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, p); err != nil {
		return err
	}

	// fsync directory for durability
	dir := filepath.Dir(p)
	if df, err := os.Open(dir); err == nil {
		_ = syscall.Fsync(int(df.Fd()))
		df.Close()
	}

	return nil
}
