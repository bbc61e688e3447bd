package conf

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const maskedSecret = "********"

// MaskedYAML renders the effective settings as YAML with credentials masked.
func MaskedYAML(settings *Settings) ([]byte, error) {
	masked := *settings
	if masked.Central.MySQL.Password != "" {
		masked.Central.MySQL.Password = maskedSecret
	}
	if masked.MQTT.Password != "" {
		masked.MQTT.Password = maskedSecret
	}
	if masked.Sentry.DSN != "" {
		masked.Sentry.DSN = maskedSecret
	}

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return out, nil
}
