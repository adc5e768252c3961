// Package config handles novabus configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/novabus/config.yaml, /config/config.yaml,
// /etc/novabus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "novabus", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/novabus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all novabus configuration.
type Config struct {
	Debug    DebugConfig      `yaml:"debug"`
	Audit    AuditConfig      `yaml:"audit"`
	TCP      TCPProgConfig    `yaml:"tcp"`
	FS       FSProgConfig     `yaml:"fs"`
	Registry RegistryConfig   `yaml:"registry"`
	MQTT     MQTTBridgeConfig `yaml:"mqtt"`
	Ticker   TickerConfig     `yaml:"ticker"`
	DataDir  string           `yaml:"data_dir"`
	LogLevel string           `yaml:"log_level"`
}

// DebugConfig defines the diagnostic HTTP server (internal/debugserver).
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default when unset: "127.0.0.1", loopback only)
	Port    int    `yaml:"port"`
}

// AuditConfig defines the sqlite-backed routing audit trail
// (internal/audit). The audit trail never logs message bodies, only
// registration and routing outcomes.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // defaults to <data_dir>/audit.db
}

// TCPProgConfig defines the tcpprog native program: a TCP listener
// bridged onto the bus as an interface.
type TCPProgConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

// FSProgConfig defines the fsprog native program: filesystem access
// scoped to a root directory.
type FSProgConfig struct {
	Enabled bool   `yaml:"enabled"`
	Root    string `yaml:"root"`
}

// RegistryConfig defines the registry native program: a browsable,
// markdown-rendered directory of interface names and their hashes,
// filled at startup from built-in entries and Dir. Registrations the
// bus observes at runtime are not added to it.
type RegistryConfig struct {
	Enabled bool `yaml:"enabled"`
	// EmitQRCodes controls whether the registry renders a QR code of
	// each interface hash alongside its hex form, for quick pairing of
	// an out-of-band guest process implementation.
	EmitQRCodes bool `yaml:"emit_qr_codes"`
	// Dir, if set, is a directory of *.md files (front matter + body)
	// loaded into the registry at startup, in addition to the built-in
	// entries for every native program novabus itself wires up.
	Dir string `yaml:"dir"`
}

// MQTTBridgeConfig defines the mqttbridge native program: a bus
// interface whose inbound message bodies are published to an MQTT
// broker for external observability. Nothing is bridged from the
// broker back onto the bus.
type MQTTBridgeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// TickerConfig defines the ticker native program: a periodic heartbeat
// emitted on a fixed interface, with no inbound registrations of its
// own.
type TickerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Configured reports whether the MQTT bridge has a broker URL to
// connect to. A bridge configuration without one is treated as
// unconfigured even if Enabled is true.
func (c MQTTBridgeConfig) Configured() bool {
	return c.BrokerURL != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach is
	// to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Debug.Address == "" {
		c.Debug.Address = "127.0.0.1"
	}
	if c.Debug.Port == 0 {
		c.Debug.Port = 6060
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
	if c.TCP.Port == 0 {
		c.TCP.Port = 9090
	}
	if c.TCP.MaxConnections == 0 {
		c.TCP.MaxConnections = 64
	}
	if c.FS.Root == "" {
		c.FS.Root = filepath.Join(c.DataDir, "fs")
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "novabus"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "novabus"
	}
	if c.Ticker.Interval == 0 {
		c.Ticker.Interval = 30 * time.Second
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Debug.Enabled && (c.Debug.Port < 1 || c.Debug.Port > 65535) {
		return fmt.Errorf("debug.port %d out of range (1-65535)", c.Debug.Port)
	}
	if c.TCP.Enabled && (c.TCP.Port < 1 || c.TCP.Port > 65535) {
		return fmt.Errorf("tcp.port %d out of range (1-65535)", c.TCP.Port)
	}
	if c.TCP.Enabled && c.TCP.MaxConnections < 1 {
		return fmt.Errorf("tcp.max_connections must be positive, got %d", c.TCP.MaxConnections)
	}
	if c.MQTT.Enabled && !c.MQTT.Configured() {
		return fmt.Errorf("mqtt.enabled is true but mqtt.broker_url is empty")
	}
	if c.Ticker.Enabled && c.Ticker.Interval <= 0 {
		return fmt.Errorf("ticker.interval must be positive, got %s", c.Ticker.Interval)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development: tcpprog, fsprog and registry enabled, mqttbridge and
// ticker off. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		TCP:      TCPProgConfig{Enabled: true},
		FS:       FSProgConfig{Enabled: true},
		Registry: RegistryConfig{Enabled: true, EmitQRCodes: true},
		Debug:    DebugConfig{Enabled: true},
		Audit:    AuditConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}
