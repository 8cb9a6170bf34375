package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ankouros/dutconsole/internal/model"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a config from an arbitrary path without touching the
// application's active config. Files ending in .yaml or .yml are decoded as
// YAML, everything else as JSON.
func LoadFile(path string) (model.AppConfig, error) {
	if path == "" {
		return model.AppConfig{}, errors.New("config path is empty")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return model.AppConfig{}, err
	}

	cfg, err := decode(path, b)
	if err != nil {
		return model.AppConfig{}, err
	}

	if cfg.Version == 0 {
		cfg.Version = ConfigVersionCurrent
	}
	if cfg.Version != ConfigVersionCurrent {
		return model.AppConfig{}, fmt.Errorf(
			"unsupported config version %d (expected %d)",
			cfg.Version,
			ConfigVersionCurrent,
		)
	}

	_ = normalize(&cfg)
	return cfg, nil
}

// ImportFromFile loads a config from an arbitrary path, normalizes it, and
// overwrites the application's active config file. It also writes a backup of
// the existing config (if present) next to the config file.
func ImportFromFile(path string) (cfg model.AppConfig, backupPath string, err error) {
	cfg, err = LoadFile(path)
	if err != nil {
		return model.AppConfig{}, "", err
	}

	cfgPath, err := ensureDir()
	if err != nil {
		return model.AppConfig{}, "", err
	}

	// Best-effort backup of existing config (if it exists).
	if existing, readErr := os.ReadFile(cfgPath); readErr == nil && len(existing) > 0 {
		dir := filepath.Dir(cfgPath)
		backupPath = filepath.Join(
			dir,
			ConfigFileName+".bak-"+time.Now().Format("20060102-150405"),
		)
		_ = os.WriteFile(backupPath, existing, 0o600)
	}

	if err := Save(cfg); err != nil {
		return model.AppConfig{}, backupPath, err
	}

	return cfg, backupPath, nil
}

func decode(path string, b []byte) (model.AppConfig, error) {
	var cfg model.AppConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return model.AppConfig{}, fmt.Errorf("invalid config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return model.AppConfig{}, fmt.Errorf("invalid config JSON: %w", err)
		}
	}
	return cfg, nil
}
