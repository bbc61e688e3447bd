// env.go - Environment variable configuration and validation for birdnet-sync
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation.
// Secrets are the main reason these exist: cron and systemd units pass
// passwords through the environment instead of config.yaml.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "BIRDNET_SYNC_DEBUG", validateEnvBool},

		// Central store
		{"central.type", "BIRDNET_SYNC_CENTRAL_TYPE", validateEnvCentralType},
		{"central.sqlite.path", "BIRDNET_SYNC_CENTRAL_SQLITE_PATH", nil},
		{"central.mysql.host", "BIRDNET_SYNC_MYSQL_HOST", nil},
		{"central.mysql.port", "BIRDNET_SYNC_MYSQL_PORT", validateEnvPort},
		{"central.mysql.username", "BIRDNET_SYNC_MYSQL_USERNAME", nil},
		{"central.mysql.password", "BIRDNET_SYNC_MYSQL_PASSWORD", nil},
		{"central.mysql.database", "BIRDNET_SYNC_MYSQL_DATABASE", nil},

		// Sync tuning
		{"sync.batchsize", "BIRDNET_SYNC_BATCH_SIZE", validateEnvPositiveInt},
		{"sync.revalidationdays", "BIRDNET_SYNC_REVALIDATION_DAYS", validateEnvNonNegativeInt},
		{"sync.timeout", "BIRDNET_SYNC_TIMEOUT", validateEnvDuration},
		{"sync.lockdir", "BIRDNET_SYNC_LOCK_DIR", nil},

		// Status publication
		{"mqtt.enabled", "BIRDNET_SYNC_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "BIRDNET_SYNC_MQTT_BROKER", validateEnvBrokerURL},
		{"mqtt.username", "BIRDNET_SYNC_MQTT_USERNAME", nil},
		{"mqtt.password", "BIRDNET_SYNC_MQTT_PASSWORD", nil},

		{"metrics.textfile", "BIRDNET_SYNC_METRICS_TEXTFILE", nil},
		{"sentry.dsn", "BIRDNET_SYNC_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f", value)
	}
	return nil
}

func validateEnvCentralType(value string) error {
	switch value {
	case "mysql", "sqlite":
		return nil
	default:
		return fmt.Errorf("central type must be mysql or sqlite, got '%s'", value)
	}
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1, got %d", n)
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("must not be negative, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	return nil
}

func validateEnvBrokerURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("unsupported broker scheme '%s'", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker URL must include a host")
	}
	return nil
}
