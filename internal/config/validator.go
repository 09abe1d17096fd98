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

// Validate checks the configuration. Errors prevent the listener from being
// started; problems in the world table are only warnings because a broken
// entry merely makes that world unreachable.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateBalancer(&cfg.Balancer, result)
	validateWorlds(cfg.Worlds, result)
	validateApplicationData(&cfg.ApplicationData, cfg.Balancer.ListenPort, result)

	return result
}

func validateBalancer(b *BalancerConfig, result *ValidationResult) {
	validatePort(b.ListenPort, "balancer.listen_port", result)

	if b.ListenAddress != "" && net.ParseIP(b.ListenAddress) == nil {
		result.AddWarning("balancer.listen_address",
			fmt.Sprintf("%q is not an IP address, it will be resolved by the OS", b.ListenAddress))
	}

	if b.ConnectTimeoutSec <= 0 {
		result.AddWarning("balancer.connect_timeout_sec",
			fmt.Sprintf("must be positive, using %ds", DefaultConnectSec))
	}
	if b.GracePeriodSec <= 0 {
		result.AddWarning("balancer.grace_period_sec",
			fmt.Sprintf("must be positive, using %ds", DefaultGraceSec))
	}
	if b.MaxConcurrentConn < 0 {
		result.AddError("balancer.max_concurrent_conn", "must not be negative")
	}
}

func validateWorlds(worlds map[string]WorldEntries, result *ValidationResult) {
	if len(worlds) == 0 {
		result.AddWarning("worlds", "no worlds configured, every request will be rejected")
		return
	}

	for name, entries := range worlds {
		field := "worlds." + name
		if strings.TrimSpace(name) == "" {
			result.AddWarning(field, "empty world name")
		}
		if len(entries) == 0 {
			result.AddWarning(field, "no backends registered")
		}

		seen := make(map[string]bool, len(entries))
		for i, d := range entries {
			entryField := fmt.Sprintf("%s[%d]", field, i)
			if strings.TrimSpace(d.Address) == "" {
				result.AddWarning(entryField+".address", "backend address is empty")
			}
			if d.Port < 1 || d.Port > 65535 {
				result.AddWarning(entryField+".port", fmt.Sprintf("port %d out of range", d.Port))
			}
			if len(d.WorldName) > 30 {
				result.AddWarning(entryField+".world_name",
					fmt.Sprintf("canonical name %q is longer than 30 bytes and will be truncated on the wire", d.WorldName))
			}
			if seen[d.Addr()] {
				result.AddWarning(entryField, fmt.Sprintf("duplicate backend %s", d.Addr()))
			}
			seen[d.Addr()] = true
		}
	}
}

func validateApplicationData(app *ApplicationData, listenPort int, result *ValidationResult) {
	if app.API.Enabled {
		validatePort(app.API.Port, "application_data.api.port", result)
		if app.API.Port == listenPort {
			result.AddError("application_data.api.port", "conflicts with balancer.listen_port")
		}
	}

	sec := app.Security
	if sec.TLSEnabled && (sec.TLSCertFile == "" || sec.TLSKeyFile == "") {
		result.AddWarning("application_data.security",
			"TLS enabled without certificate files, a self-signed certificate will be generated")
	}
	if !sec.AuthDisabled && sec.JWTSecret == "" {
		result.AddError("application_data.security.jwt_secret", "required when auth is enabled")
	}
	if sec.AuthDisabled && app.API.Enabled {
		result.AddWarning("application_data.security.auth_disabled", "API authentication is disabled")
	}

	if app.MQTT.Enabled {
		if strings.TrimSpace(app.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "required when MQTT is enabled")
		}
		validatePort(app.MQTT.Port, "application_data.mqtt.port", result)
	}

	if app.Database.Enabled && strings.TrimSpace(app.Database.Path) == "" {
		result.AddError("application_data.database.path", "required when the audit log is enabled")
	}

	switch strings.ToLower(app.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "":
	default:
		result.AddWarning("application_data.logging.level",
			fmt.Sprintf("unknown level %q, using info", app.Logging.Level))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("port %d out of range (1-65535)", port))
	} else if port < 1024 {
		result.AddWarning(field, fmt.Sprintf("port %d is privileged and may require elevated permissions", port))
	}
}
