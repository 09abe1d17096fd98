// Package config handles configuration loading and validation for the
// balancer. The configuration is read once at startup and is not modified
// afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/hbbalancer/hbbalancer/internal/directory"
)

const (
	DefaultConfigFile  = "hbbalancer.json"
	DefaultListenPort  = 2848
	DefaultAPIPort     = 5848
	DefaultConnectSec  = 5
	DefaultGraceSec    = 10
	DefaultRequestSec  = 60
	DefaultResponseSec = 30
)

// Config is the root configuration structure.
type Config struct {
	path string

	Balancer        BalancerConfig          `json:"balancer" yaml:"balancer"`
	Worlds          map[string]WorldEntries `json:"worlds" yaml:"worlds"`
	ApplicationData ApplicationData         `json:"application_data" yaml:"application_data"`
}

// BalancerConfig holds the client-facing listener and session timing settings.
type BalancerConfig struct {
	ListenAddress      string `json:"listen_address" yaml:"listen_address"`
	ListenPort         int    `json:"listen_port" yaml:"listen_port"`
	ConnectTimeoutSec  int    `json:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	GracePeriodSec     int    `json:"grace_period_sec" yaml:"grace_period_sec"`
	RequestTimeoutSec  int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	ResponseTimeoutSec int    `json:"response_timeout_sec" yaml:"response_timeout_sec"`
	MaxConnPerSec      int    `json:"max_conn_per_sec" yaml:"max_conn_per_sec"`
	MaxConcurrentConn  int    `json:"max_concurrent_conn" yaml:"max_concurrent_conn"`
}

// ApplicationData contains the settings of the auxiliary services.
type ApplicationData struct {
	API      APIConfig      `json:"api" yaml:"api"`
	Security SecurityConfig `json:"security" yaml:"security"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Timers   TimerConfig    `json:"timers" yaml:"timers"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file" yaml:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist" yaml:"ip_whitelist"`
	AuthDisabled   bool     `json:"auth_disabled" yaml:"auth_disabled"`
	JWTSecret      string   `json:"jwt_secret" yaml:"jwt_secret"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BrokerURL string `json:"broker_url" yaml:"broker_url"`
	Port      int    `json:"port" yaml:"port"`
	UseTLS    bool   `json:"use_tls" yaml:"use_tls"`
	CertFile  string `json:"cert_file" yaml:"cert_file"`
	KeyFile   string `json:"key_file" yaml:"key_file"`
	ClientID  string `json:"client_id" yaml:"client_id"`
}

// DatabaseConfig holds the handshake audit log settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
	CleanupTime   string `json:"cleanup_time" yaml:"cleanup_time"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	BackendProbeInterval int `json:"backend_probe_interval_sec" yaml:"backend_probe_interval_sec"`
	HeartbeatInterval    int `json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Directory  string `json:"directory" yaml:"directory"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults and no worlds.
func DefaultConfig() *Config {
	return &Config{
		Balancer: BalancerConfig{
			ListenAddress:      "0.0.0.0",
			ListenPort:         DefaultListenPort,
			ConnectTimeoutSec:  DefaultConnectSec,
			GracePeriodSec:     DefaultGraceSec,
			RequestTimeoutSec:  DefaultRequestSec,
			ResponseTimeoutSec: DefaultResponseSec,
			MaxConnPerSec:      20,
			MaxConcurrentConn:  2000,
		},
		Worlds: map[string]WorldEntries{},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled: true,
				Port:    DefaultAPIPort,
			},
			Security: SecurityConfig{
				RateLimitRPS: 50,
				AuthDisabled: true,
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    8883,
				UseTLS:  true,
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "handshakes.db"),
				RetentionDays: 14,
				CleanupTime:   "04:00",
			},
			Timers: TimerConfig{
				BackendProbeInterval: 30,
				HeartbeatInterval:    60,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON or YAML file. It always returns a
// usable configuration: when the file cannot be read or parsed the defaults
// are returned together with the error, which leaves the world map empty.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	parsed := DefaultConfig()
	if err := unmarshal(path, data, parsed); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	parsed.path = path
	parsed.normalize()

	log.Info().
		Str("path", path).
		Int("worlds", len(parsed.Worlds)).
		Msg("configuration loaded")

	return parsed, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// normalize fills canonical world names that were left empty with the key
// they are registered under.
func (c *Config) normalize() {
	if c.Worlds == nil {
		c.Worlds = map[string]WorldEntries{}
	}
	for name, entries := range c.Worlds {
		for i := range entries {
			if entries[i].WorldName == "" {
				entries[i].WorldName = name
			}
		}
	}
}

// WorldMap returns the world table in the form consumed by directory.New.
func (c *Config) WorldMap() map[string][]directory.Descriptor {
	m := make(map[string][]directory.Descriptor, len(c.Worlds))
	for name, entries := range c.Worlds {
		m[name] = append([]directory.Descriptor(nil), entries...)
	}
	return m
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// ListenAddr returns the client-facing host:port.
func (b BalancerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", b.ListenAddress, b.ListenPort)
}

// ConnectTimeout is the backend dial limit.
func (b BalancerConfig) ConnectTimeout() time.Duration {
	return seconds(b.ConnectTimeoutSec)
}

// GracePeriod is the delay before a client is closed after its response.
func (b BalancerConfig) GracePeriod() time.Duration {
	return seconds(b.GracePeriodSec)
}

// RequestTimeout bounds the wait for the first client request; 0 disables it.
func (b BalancerConfig) RequestTimeout() time.Duration {
	return seconds(b.RequestTimeoutSec)
}

// ResponseTimeout bounds the wait for the backend response; 0 disables it.
func (b BalancerConfig) ResponseTimeout() time.Duration {
	return seconds(b.ResponseTimeoutSec)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
