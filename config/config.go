package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// NetworkPreferences are the knobs the host consumes directly.
type NetworkPreferences struct {
	ListenPort      uint16 `toml:"ListenPort"`
	PublicIP        string `toml:"PublicIP"`
	UPnP            bool   `toml:"UPnP"`
	LocalNetworking bool   `toml:"LocalNetworking"`
}

// Config is the daemon configuration loaded from TOML.
type Config struct {
	ListenPort      uint16 `toml:"ListenPort"`
	PublicIP        string `toml:"PublicIP"`
	UPnP            bool   `toml:"UPnP"`
	LocalNetworking bool   `toml:"LocalNetworking"`
	DataDir         string `toml:"DataDir"`
	ClientVersion   string `toml:"ClientVersion"`
	IdealPeerCount  int    `toml:"IdealPeerCount"`
	NodesFile       string `toml:"NodesFile"`
	MetricsAddress  string `toml:"MetricsAddress"`
	LogFile         string `toml:"LogFile"`
}

const (
	defaultListenPort     = 30303
	defaultIdealPeerCount = 5
	defaultClientVersion  = "peerd/0.9.0"
)

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %q", path, undecoded[0].String())
	}

	applyDefaults(cfg, path)
	return cfg, nil
}

func applyDefaults(cfg *Config, path string) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(cfg.ClientVersion) == "" {
		cfg.ClientVersion = defaultClientVersion
	}
	if cfg.IdealPeerCount <= 0 {
		cfg.IdealPeerCount = defaultIdealPeerCount
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.NodesFile) == "" {
		cfg.NodesFile = filepath.Join(cfg.DataDir, "nodes")
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg, path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create default config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return cfg, nil
}

// Network extracts the host-facing preferences.
func (c *Config) Network() NetworkPreferences {
	return NetworkPreferences{
		ListenPort:      c.ListenPort,
		PublicIP:        c.PublicIP,
		UPnP:            c.UPnP,
		LocalNetworking: c.LocalNetworking,
	}
}
