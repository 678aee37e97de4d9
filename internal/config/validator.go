package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the sections used by role plus the shared application data.
func Validate(cfg *Config, role Role) *ValidationResult {
	result := &ValidationResult{}

	switch role {
	case RoleMaster:
		validateMaster(&cfg.Master, result)
	case RoleCluster:
		validateCluster(&cfg.Cluster, result)
	case RoleClient:
		validateClient(&cfg.Client, result)
	default:
		result.AddError("role", fmt.Sprintf("unknown role %q", role))
	}
	validateApplicationData(&cfg.ApplicationData, role, result)

	return result
}

func validateMaster(m *MasterConfig, result *ValidationResult) {
	validatePort(m.Port, "master.port", result)

	if m.MaxConnections < 0 {
		result.AddError("master.max_connections", "must be 0 (unbounded) or positive")
	}
	if m.ChallengeTimeoutSec < 1 {
		result.AddError("master.challenge_timeout_sec", "must be at least 1 second")
	}
	if m.BanThreshold < 0 {
		result.AddError("master.ban_threshold",
			"must be set: 0 disables banning, N bans an IP after N failed handshakes")
	}
	if strings.TrimSpace(m.KeysDirectory) == "" {
		result.AddError("master.keys_directory", "keys directory is required")
	}
	validateAcceptRate(m.AcceptRatePerSec, m.AcceptBurst, "master", result)
}

func validateCluster(c *ClusterConfig, result *ValidationResult) {
	validatePort(c.Port, "cluster.port", result)
	validatePort(c.MasterPort, "cluster.master_port", result)

	if c.MaxConnections < 0 {
		result.AddError("cluster.max_connections", "must be 0 (unbounded) or positive")
	}
	if strings.TrimSpace(c.Name) == "" {
		result.AddError("cluster.name", "cluster name is required")
	}
	if strings.TrimSpace(c.KeyName) == "" {
		result.AddError("cluster.key_name", "key name is required")
	}
	if strings.TrimSpace(c.MasterAddress) == "" {
		result.AddError("cluster.master_address", "master address is required")
	}
	if c.AdvertisedIP != "" && net.ParseIP(c.AdvertisedIP) == nil {
		result.AddError("cluster.advertised_ip", fmt.Sprintf("not an IP address: %s", c.AdvertisedIP))
	}
	if c.AdvertisedPort != 0 {
		validatePort(c.AdvertisedPort, "cluster.advertised_port", result)
	}
	validateAcceptRate(c.AcceptRatePerSec, c.AcceptBurst, "cluster", result)
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	validatePort(c.Port, "client.port", result)
	if strings.TrimSpace(c.Address) == "" {
		result.AddError("client.address", "server address is required")
	}
	if len(c.Username) < 3 {
		result.AddWarning("client.username", "usernames shorter than 3 characters are rejected by servers")
	}
	if c.Clients < 1 {
		result.AddError("client.clients", "must run at least 1 client")
	}
}

func validateApplicationData(data *ApplicationData, role Role, result *ValidationResult) {
	if data.TickIntervalMs < 1 {
		result.AddError("application_data.tick_interval_ms", "tick interval must be at least 1ms")
	} else if data.TickIntervalMs > 1000 {
		result.AddWarning("application_data.tick_interval_ms",
			fmt.Sprintf("tick interval of %dms will add visible latency", data.TickIntervalMs))
	}

	if data.Timers.HealthCheckInterval < 5 {
		result.AddWarning("application_data.timers.health_check_interval_sec",
			"health check interval less than 5s may cause excessive load")
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if !data.API.AuthDisabled && strings.TrimSpace(data.API.Token) == "" {
			result.AddError("application_data.api.token", "API token is required unless auth_disabled is set")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if role == RoleMaster {
		if strings.TrimSpace(data.Database.Path) == "" {
			result.AddError("application_data.database.path", "audit database path is required")
		}
		if data.Database.RetentionDays < 1 {
			result.AddError("application_data.database.retention_days", "retention days must be at least 1")
		}
	}
}

func validateAcceptRate(rps float64, burst int, section string, result *ValidationResult) {
	if rps < 0 {
		result.AddError(section+".accept_rate_per_sec", "must be 0 (disabled) or positive")
	}
	if rps > 0 && burst < 1 {
		result.AddError(section+".accept_burst", "must be at least 1 when accept rate limiting is on")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
