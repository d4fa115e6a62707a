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

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "devicelink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "DEVICELINK_DATA_DIR"
	// DefaultListeningPort is the TCP port for handshake, heartbeat and data lines.
	DefaultListeningPort = 23334
	// DefaultDiscoveryPort is the UDP port for presence and heartbeat datagrams.
	DefaultDiscoveryPort = 23333
	// DefaultDeviceType tags this device in handshake and heartbeat lines.
	DefaultDeviceType = "desktop"
	// DefaultSecurityEventRetentionDays matches storage.DefaultSecurityEventRetention.
	DefaultSecurityEventRetentionDays = 30
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID             string   `json:"device_id"`
	DeviceName           string   `json:"device_name"`
	DeviceType           string   `json:"device_type"`
	ListeningPort        int      `json:"listening_port"`
	DiscoveryPort        int      `json:"discovery_port"`
	DiscoveryEnabled     *bool    `json:"discovery_enabled,omitempty"`
	MDNSEnabled          bool     `json:"mdns_enabled"`
	ScanSubnets          []string `json:"scan_subnets,omitempty"`
	X25519PrivateKeyPath string   `json:"x25519_private_key_path"`
	KeyFingerprint       string   `json:"key_fingerprint"`
	LogLevel             string   `json:"log_level"`
	LogFormat            string   `json:"log_format"`
	Timing               Timing   `json:"timing"`

	SecurityEventRetentionDays int `json:"security_event_retention_days"`
}

// SecurityEventRetention is the pruning horizon for the security event log.
func (c *DeviceConfig) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// Discovery reports whether broadcast/scan discovery is enabled.
// Manual mode is used when it is explicitly disabled.
func (c *DeviceConfig) Discovery() bool {
	if c.DiscoveryEnabled == nil {
		return true
	}
	return *c.DiscoveryEnabled
}

// SetDiscovery stores the discovery toggle.
func (c *DeviceConfig) SetDiscovery(enabled bool) {
	c.DiscoveryEnabled = &enabled
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DEVICELINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "devicelink"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if _, err := uuid.Parse(cfg.DeviceID); err != nil {
		// Heartbeat lines rely on the canonical 36-char form.
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if !validDeviceType(cfg.DeviceType) {
		cfg.DeviceType = DefaultDeviceType
		updated = true
	}

	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.DiscoveryPort <= 0 || cfg.DiscoveryPort > 65535 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}

	if cfg.X25519PrivateKeyPath == "" {
		cfg.X25519PrivateKeyPath = filepath.Join(dataDir, "keys", "x25519_private.pem")
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		updated = true
	}
	if cfg.SecurityEventRetentionDays <= 0 {
		cfg.SecurityEventRetentionDays = DefaultSecurityEventRetentionDays
		updated = true
	}

	return updated
}

// validDeviceType accepts lowercase letters only; the tag is appended to
// heartbeat lines right after the battery digits.
func validDeviceType(deviceType string) bool {
	if deviceType == "" || len(deviceType) > 16 {
		return false
	}
	for _, r := range deviceType {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
