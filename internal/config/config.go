package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/otaflash/internal/ble"
	"github.com/chaz8081/otaflash/internal/ble/protocol"
	"github.com/chaz8081/otaflash/internal/ota"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Service  ServiceConfig  `yaml:"service"`
	Transfer TransferConfig `yaml:"transfer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig selects the peripheral to flash.
type DeviceConfig struct {
	Address        string        `yaml:"address"` // empty: first device found by scan
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ServiceConfig holds the GATT UUIDs of the OTA service.
type ServiceConfig struct {
	UUID    string `yaml:"uuid"`
	Control string `yaml:"control"`
	Data    string `yaml:"data"`
	Status  string `yaml:"status"`
}

// TransferConfig holds upload settings.
type TransferConfig struct {
	FirmwareVersion    uint32        `yaml:"firmware_version"`
	FallbackMTU        int           `yaml:"fallback_mtu"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	FirstStatusTimeout time.Duration `yaml:"first_status_timeout"`
	VerifyTimeout      time.Duration `yaml:"verify_timeout"`
	WaitForVerify      bool          `yaml:"wait_for_verify"`
	EventBuffer        int           `yaml:"event_buffer"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. "127.0.0.1:9464"; empty disables
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "otaflash")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ScanTimeout:    5 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Service: ServiceConfig{
			UUID:    ble.ServiceUUID,
			Control: ble.ControlCharUUID,
			Data:    ble.DataCharUUID,
			Status:  ble.StatusCharUUID,
		},
		Transfer: TransferConfig{
			FirmwareVersion:    1,
			FallbackMTU:        ble.DefaultFallbackMTU,
			WriteTimeout:       5 * time.Second,
			FirstStatusTimeout: 5 * time.Second,
			VerifyTimeout:      30 * time.Second,
			WaitForVerify:      true,
			EventBuffer:        64,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in path is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Service.normalize()

	return cfg, nil
}

// LoadOrDefault loads path, or the default config file when path is empty.
// A missing default file is not an error.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg, err := Load(DefaultConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"service.uuid":    c.Service.UUID,
		"service.control": c.Service.Control,
		"service.data":    c.Service.Data,
		"service.status":  c.Service.Status,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q: %w", name, v, err)
		}
	}

	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}
	if c.Device.ConnectTimeout < 0 {
		return fmt.Errorf("device.connect_timeout must not be negative")
	}

	t := c.Transfer
	if protocol.ChunkLength(t.FallbackMTU) <= 0 {
		return fmt.Errorf("transfer.fallback_mtu must be > %d, got %d", protocol.ChunkOverhead, t.FallbackMTU)
	}
	if t.WriteTimeout < 0 || t.FirstStatusTimeout < 0 || t.VerifyTimeout < 0 {
		return fmt.Errorf("transfer timeouts must not be negative")
	}
	if t.EventBuffer < 1 {
		return fmt.Errorf("transfer.event_buffer must be >= 1")
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen must be host:port, got %q", c.Metrics.Listen)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SessionOptions converts the config to BLE session options.
func (c *Config) SessionOptions() ble.SessionOptions {
	return ble.SessionOptions{
		UUIDs: ble.ServiceUUIDs{
			Service: c.Service.UUID,
			Control: c.Service.Control,
			Data:    c.Service.Data,
			Status:  c.Service.Status,
		},
		ConnectTimeout: c.Device.ConnectTimeout,
		WriteTimeout:   c.Transfer.WriteTimeout,
		FallbackMTU:    c.Transfer.FallbackMTU,
	}
}

// EngineOptions converts the config to transfer engine options.
func (c *Config) EngineOptions(recorder ota.Recorder) ota.Options {
	return ota.Options{
		FirmwareVersion:    c.Transfer.FirmwareVersion,
		FirstStatusTimeout: c.Transfer.FirstStatusTimeout,
		VerifyTimeout:      c.Transfer.VerifyTimeout,
		EventBuffer:        c.Transfer.EventBuffer,
		Recorder:           recorder,
	}
}

// ParseLogLevel maps a config string to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# otaflash configuration
# Durations use Go syntax (5s, 1m30s). Leave device.address empty to flash
# the first OTA peripheral found by a scan.
`

// WriteDefault writes the default config to path, or to DefaultConfigPath
// when path is empty. If the file already exists it is left untouched and
// WriteDefault returns ("", nil).
func WriteDefault(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	path = expandTilde(path)

	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// UUIDs are compared case-sensitively by the BLE stack.
func (s *ServiceConfig) normalize() {
	s.UUID = strings.ToLower(strings.TrimSpace(s.UUID))
	s.Control = strings.ToLower(strings.TrimSpace(s.Control))
	s.Data = strings.ToLower(strings.TrimSpace(s.Data))
	s.Status = strings.ToLower(strings.TrimSpace(s.Status))
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
