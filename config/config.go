package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"easyconnect/logging"
	"easyconnect/network"
)

const (
	// AppDirectoryName is the per-user configuration directory name.
	AppDirectoryName = "easyconnect"
	// ReceiveDirectoryName is created under the home directory for inbound files.
	ReceiveDirectoryName = "EasyConnect_Received"
	// fallbackDeviceName is used when the hostname cannot be read.
	fallbackDeviceName = "EasyConnect Device"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Duration is a time.Duration stored as a Go duration string ("10s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var nanos int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %s", raw)
	}
	*d = Duration(nanos)
	return nil
}

// Config contains local device settings.
type Config struct {
	DeviceName     string   `json:"device_name"`
	TransferPort   int      `json:"transfer_port"`
	ReceiveDir     string   `json:"receive_dir"`
	ConnectTimeout Duration `json:"connect_timeout"`
	ReadTimeout    Duration `json:"read_timeout"`
	ChunkSize      int      `json:"chunk_size"`
	LogLevel       string   `json:"log_level"`
}

// DefaultPath returns <user config dir>/easyconnect/config.json.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName, configFileName), nil
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	return &Config{
		DeviceName:     defaultDeviceName(),
		TransferPort:   network.DefaultPort,
		ReceiveDir:     defaultReceiveDir(),
		ConnectTimeout: Duration(network.DefaultConnectTimeout),
		ReadTimeout:    Duration(network.DefaultReadTimeout),
		ChunkSize:      network.DefaultChunkSize,
		LogLevel:       "info",
	}
}

// Load reads and unmarshals a config file, then fills missing fields.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path, or returns Default when it does not exist.
// Nothing is written to disk.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save marshals and writes the config, creating its directory if needed.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Normalize fills zero-valued fields with defaults and reports whether
// anything changed.
func (c *Config) Normalize() bool {
	updated := false

	if strings.TrimSpace(c.DeviceName) == "" {
		c.DeviceName = defaultDeviceName()
		updated = true
	}
	if c.TransferPort == 0 {
		c.TransferPort = network.DefaultPort
		updated = true
	}
	if strings.TrimSpace(c.ReceiveDir) == "" {
		c.ReceiveDir = defaultReceiveDir()
		updated = true
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = Duration(network.DefaultConnectTimeout)
		updated = true
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = Duration(network.DefaultReadTimeout)
		updated = true
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = network.DefaultChunkSize
		updated = true
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
		updated = true
	}

	return updated
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device_name is required")
	}
	if c.TransferPort < 1 || c.TransferPort > 65535 {
		return fmt.Errorf("transfer_port %d out of range", c.TransferPort)
	}
	if c.ChunkSize < network.MinChunkSize {
		return fmt.Errorf("chunk_size must be at least %d", network.MinChunkSize)
	}
	if c.ConnectTimeout >= c.ReadTimeout {
		return fmt.Errorf("connect_timeout %s must be shorter than read_timeout %s",
			time.Duration(c.ConnectTimeout), time.Duration(c.ReadTimeout))
	}
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return fallbackDeviceName
	}
	return fmt.Sprintf("%s (%s)", host, osDisplayName(runtime.GOOS))
}

// osDisplayName maps a GOOS value to the capitalized OS name shown to peers.
func osDisplayName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "darwin", "ios":
		return "Darwin"
	case "freebsd":
		return "FreeBSD"
	case "openbsd":
		return "OpenBSD"
	case "netbsd":
		return "NetBSD"
	case "":
		return "Unknown"
	}
	return strings.ToUpper(goos[:1]) + goos[1:]
}

func defaultReceiveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ReceiveDirectoryName
	}
	return filepath.Join(home, ReceiveDirectoryName)
}
