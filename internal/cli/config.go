package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL        = "http://127.0.0.1:8000"
	DefaultTimeout        = 15 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
)

// Config holds riskctl settings. Flags override file values.
type Config struct {
	BaseURL        string        `yaml:"baseURL"`
	Timeout        time.Duration `yaml:"timeout"`
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`
	StatePath      string        `yaml:"statePath"`
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config file failed: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file failed: %w", err)
			}
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(configDir(), "session.json")
	}
}

// DefaultConfigPath is $XDG_CONFIG_HOME/riskwatch/riskctl.yaml or the OS equivalent.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "riskctl.yaml")
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".riskwatch"
	}
	return filepath.Join(dir, "riskwatch")
}
