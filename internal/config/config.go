// Package config handles configuration loading, validation, and persistence
// for the master, cluster and client roles.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/protocol"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5000
	DefaultTickMs     = 33

	// BanThresholdUnset marks a ban threshold that was never configured.
	BanThresholdUnset = -1
)

// Role selects which node this process runs as.
type Role string

const (
	RoleMaster  Role = "master"
	RoleCluster Role = "cluster"
	RoleClient  Role = "client"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleMaster, RoleCluster, RoleClient:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q (want master, cluster or client)", s)
}

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Master          MasterConfig    `json:"master"`
	Cluster         ClusterConfig   `json:"cluster"`
	Client          ClientConfig    `json:"client"`
	ApplicationData ApplicationData `json:"application_data"`
}

// MasterConfig configures the master node.
type MasterConfig struct {
	Port                int     `json:"port"`
	MaxConnections      int     `json:"max_connections"`
	ChallengeTimeoutSec int     `json:"challenge_timeout_sec"`
	BanThreshold        int     `json:"ban_threshold"`
	KeysDirectory       string  `json:"keys_directory"`
	AcceptRatePerSec    float64 `json:"accept_rate_per_sec"`
	AcceptBurst         int     `json:"accept_burst"`
	WelcomeMessage      string  `json:"welcome_message"`
}

// ClusterConfig configures a cluster node and its link to the master.
type ClusterConfig struct {
	Port                 int     `json:"port"`
	MaxConnections       int     `json:"max_connections"`
	Name                 string  `json:"name"`
	KeyName              string  `json:"key_name"`
	KeysDirectory        string  `json:"keys_directory"`
	MasterAddress        string  `json:"master_address"`
	MasterPort           int     `json:"master_port"`
	AdvertisedIP         string  `json:"advertised_ip"`
	AdvertisedPort       int     `json:"advertised_port"`
	DetectPublicIP       bool    `json:"detect_public_ip"`
	ReconnectIntervalSec int     `json:"reconnect_interval_sec"`
	AcceptRatePerSec     float64 `json:"accept_rate_per_sec"`
	AcceptBurst          int     `json:"accept_burst"`
	WelcomeMessage       string  `json:"welcome_message"`
}

// ClientConfig configures the debug client harness.
type ClientConfig struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Clients  int    `json:"clients"`
}

// ApplicationData contains process-wide settings shared by all roles.
type ApplicationData struct {
	TickIntervalMs int            `json:"tick_interval_ms"`
	Timers         TimerConfig    `json:"timers"`
	API            APIConfig      `json:"api"`
	MQTT           MQTTConfig     `json:"mqtt"`
	Database       DatabaseConfig `json:"database"`
	Logging        LoggingConfig  `json:"logging"`
	Console        bool           `json:"console"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	HealthCheckInterval int `json:"health_check_interval_sec"`
	StatsInterval       int `json:"stats_interval_sec"`
	AuditPruneInterval  int `json:"audit_prune_interval_sec"`
}

// APIConfig holds the operator REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AuthDisabled   bool     `json:"auth_disabled"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds the audit store settings.
type DatabaseConfig struct {
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level"`
	Directory string `json:"directory"`
}

// DefaultConfig returns a configuration with sensible defaults. The master
// ban threshold is deliberately left unset.
func DefaultConfig() *Config {
	return &Config{
		Master: MasterConfig{
			Port:                protocol.DefaultMasterPort,
			ChallengeTimeoutSec: 5,
			BanThreshold:        BanThresholdUnset,
			KeysDirectory:       filepath.Join("config", "keys"),
			AcceptRatePerSec:    10,
			AcceptBurst:         20,
			WelcomeMessage:      "Welcome to the Master Server.",
		},
		Cluster: ClusterConfig{
			Port:                 protocol.DefaultClusterPort,
			Name:                 "cluster",
			KeyName:              "cluster",
			KeysDirectory:        filepath.Join("config", "keys"),
			MasterAddress:        "127.0.0.1",
			MasterPort:           protocol.DefaultMasterPort,
			ReconnectIntervalSec: 5,
			AcceptRatePerSec:     10,
			AcceptBurst:          20,
			WelcomeMessage:       "Welcome to the Cluster Server.",
		},
		Client: ClientConfig{
			Address:  "127.0.0.1",
			Port:     protocol.DefaultMasterPort,
			Username: "player",
			Clients:  1,
		},
		ApplicationData: ApplicationData{
			TickIntervalMs: DefaultTickMs,
			Timers: TimerConfig{
				HealthCheckInterval: 60,
				StatsInterval:       10,
				AuditPruneInterval:  3600,
			},
			API: APIConfig{
				Enabled:      false,
				Port:         DefaultAPIPort,
				AuthDisabled: false,
				RateLimitRPS: 100,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        8883,
				UseTLS:      true,
				TopicPrefix: "sustenet",
			},
			Database: DatabaseConfig{
				Path:          filepath.Join("data", "audit.db"),
				RetentionDays: 30,
			},
			Logging: LoggingConfig{
				Level:     "info",
				Directory: "logs",
			},
			Console: true,
		},
	}
}

// Load reads configuration from configDir, creating a default file if none exists.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so new default fields show up in the file.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetMaster returns a copy of the master configuration.
func (c *Config) GetMaster() MasterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Master
}

// SetMaster replaces the master configuration.
func (c *Config) SetMaster(m MasterConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Master = m
}

// GetCluster returns a copy of the cluster configuration.
func (c *Config) GetCluster() ClusterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Cluster
}

// SetCluster replaces the cluster configuration.
func (c *Config) SetCluster(cl ClusterConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cluster = cl
}

// GetClient returns a copy of the client configuration.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// TickInterval returns the dispatcher tick as a duration.
func (a ApplicationData) TickInterval() time.Duration {
	if a.TickIntervalMs <= 0 {
		return DefaultTickMs * time.Millisecond
	}
	return time.Duration(a.TickIntervalMs) * time.Millisecond
}

// ChallengeTimeout returns the handshake timeout as a duration.
func (m MasterConfig) ChallengeTimeout() time.Duration {
	return time.Duration(m.ChallengeTimeoutSec) * time.Second
}

// ReconnectInterval returns the master link retry delay.
func (c ClusterConfig) ReconnectInterval() time.Duration {
	if c.ReconnectIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ReconnectIntervalSec) * time.Second
}

// NeedsSetup reports whether required settings for role are missing.
func (c *Config) NeedsSetup(role Role) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch role {
	case RoleMaster:
		return c.Master.BanThreshold < 0
	case RoleCluster:
		return c.Cluster.Name == "" || c.Cluster.KeyName == ""
	}
	return false
}
