package conf

import (
	"fmt"

	"github.com/tphakala/birdnet-sync/internal/secrets"
)

// resolveSecrets replaces credential settings with their resolved values:
// a password file wins over the password, and ${VAR} references are
// expanded from the environment.
func resolveSecrets(s *Settings) error {
	var err error

	if s.Central.MySQL.Password, err = secrets.Resolve(s.Central.MySQL.PasswordFile, s.Central.MySQL.Password); err != nil {
		return fmt.Errorf("central.mysql.password: %w", err)
	}
	if s.MQTT.Password, err = secrets.Resolve(s.MQTT.PasswordFile, s.MQTT.Password); err != nil {
		return fmt.Errorf("mqtt.password: %w", err)
	}
	if s.Sentry.DSN, err = secrets.Resolve("", s.Sentry.DSN); err != nil {
		return fmt.Errorf("sentry.dsn: %w", err)
	}
	return nil
}
