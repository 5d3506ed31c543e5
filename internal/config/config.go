package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SecretKeyEnv overrides secret_key when set.
const SecretKeyEnv = "VEHICLE_BLE_SECRET_KEY"

// Config holds all application configuration.
type Config struct {
	SecretKey     string          `yaml:"secret_key"`
	SecretKeyFile string          `yaml:"secret_key_file"`
	OperatorCode  string          `yaml:"operator_code"`
	Debug         bool            `yaml:"debug"`
	Device        DeviceConfig    `yaml:"device"`
	Timeouts      TimeoutConfig   `yaml:"timeouts"`
	Transport     TransportConfig `yaml:"transport"`
	Events        EventsConfig    `yaml:"events"`
	Guard         GuardConfig     `yaml:"guard"`
	LogLevel      string          `yaml:"log_level"`
}

// DeviceConfig identifies the vehicle to connect to.
type DeviceConfig struct {
	BLEMac  string `yaml:"ble_mac"`
	BLEKey  string `yaml:"ble_key"`
	IotIMEI string `yaml:"iot_imei"`
}

// TimeoutConfig bounds radio round-trips.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Command time.Duration `yaml:"command"`
	Scan    time.Duration `yaml:"scan"`
}

// TransportConfig holds BLE write settings.
type TransportConfig struct {
	MTU                int           `yaml:"mtu"`
	InterFragmentDelay time.Duration `yaml:"inter_fragment_delay"`
}

// EventsConfig holds event delivery settings.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// GuardConfig holds the connect circuit breaker and query throttle settings.
type GuardConfig struct {
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	QueryInterval   time.Duration `yaml:"query_interval"`
	QueryBurst      int           `yaml:"query_burst"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "vehicle-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Timeouts: TimeoutConfig{
			Connect: 10 * time.Second,
			Command: 8 * time.Second,
			Scan:    5 * time.Second,
		},
		Transport: TransportConfig{
			MTU:                20,
			InterFragmentDelay: 5 * time.Millisecond,
		},
		Events: EventsConfig{
			Buffer: 64,
		},
		Guard: GuardConfig{
			BreakerFailures: 3,
			BreakerCooldown: 30 * time.Second,
			QueryInterval:   500 * time.Millisecond,
			QueryBurst:      2,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. The secret key is taken, in order of precedence, from
// $VEHICLE_BLE_SECRET_KEY, secret_key_file (tilde expanded), or secret_key.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.ResolveSecret(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveSecret fills SecretKey from $VEHICLE_BLE_SECRET_KEY, then from
// SecretKeyFile, leaving the inline value when neither is set.
func (c *Config) ResolveSecret() error {
	if env := os.Getenv(SecretKeyEnv); env != "" {
		c.SecretKey = env
		return nil
	}
	if c.SecretKeyFile == "" {
		return nil
	}
	c.SecretKeyFile = expandTilde(c.SecretKeyFile)
	data, err := os.ReadFile(c.SecretKeyFile)
	if err != nil {
		return fmt.Errorf("reading secret key file: %w", err)
	}
	c.SecretKey = strings.TrimSpace(string(data))
	return nil
}

// Validate checks the config for invalid values. Device fields are not
// required here; commands that need a device check them separately.
func (c *Config) Validate() error {
	if c.Timeouts.Connect <= 0 {
		return fmt.Errorf("timeouts.connect must be > 0")
	}
	if c.Timeouts.Command <= 0 {
		return fmt.Errorf("timeouts.command must be > 0")
	}
	if c.Timeouts.Scan <= 0 {
		return fmt.Errorf("timeouts.scan must be > 0")
	}

	if c.Transport.MTU < 2 || c.Transport.MTU > 512 {
		return fmt.Errorf("transport.mtu must be between 2 and 512, got %d", c.Transport.MTU)
	}
	if c.Transport.InterFragmentDelay < 0 {
		return fmt.Errorf("transport.inter_fragment_delay must be >= 0")
	}

	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be > 0")
	}

	if c.Guard.BreakerFailures == 0 {
		return fmt.Errorf("guard.breaker_failures must be > 0")
	}
	if c.Guard.BreakerCooldown <= 0 {
		return fmt.Errorf("guard.breaker_cooldown must be > 0")
	}
	if c.Guard.QueryInterval < 0 {
		return fmt.Errorf("guard.query_interval must be >= 0")
	}
	if c.Guard.QueryBurst <= 0 {
		return fmt.Errorf("guard.query_burst must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ValidateDevice checks the credentials and device identity needed to connect.
func (c *Config) ValidateDevice() error {
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key must not be empty (or set $%s)", SecretKeyEnv)
	}
	if c.OperatorCode == "" {
		return fmt.Errorf("operator_code must not be empty")
	}
	if c.Device.BLEMac == "" {
		return fmt.Errorf("device.ble_mac must not be empty")
	}
	if c.Device.BLEKey == "" {
		return fmt.Errorf("device.ble_key must not be empty")
	}
	if c.Device.IotIMEI == "" {
		return fmt.Errorf("device.iot_imei must not be empty")
	}
	return nil
}

const defaultHeader = `# vehicle-ble configuration
# secret_key may also be supplied via $VEHICLE_BLE_SECRET_KEY or secret_key_file.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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
