// Package conf loads and validates birdnet-sync configuration.
//
// Configuration is read from config.yaml in the default search paths (or an
// explicit --config file), layered over the defaults in defaults.go and the
// environment overrides in env.go.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
)

// StationSettings describes one edge station and its local detection database.
type StationSettings struct {
	Name     string `yaml:"name" validate:"required,max=64,stationname"` // natural key component, written to central rows
	EdgePath string `yaml:"edgepath" validate:"required"`                // path to the station's BirdNET-Go SQLite database
	Table    string `yaml:"table" validate:"omitempty,sqlident"`         // edge table, defaults to sync.edgetable
}

// SQLiteSettings configures a SQLite central store.
type SQLiteSettings struct {
	Path string `yaml:"path"`
}

// MySQLSettings configures a MySQL central store.
type MySQLSettings struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`     // may reference ${ENV_VAR}
	PasswordFile string `yaml:"passwordfile"` // read instead of password when set
	Database     string `yaml:"database"`
	TLS          string `yaml:"tls" validate:"omitempty,oneof=true false skip-verify preferred"`
}

// CentralSettings configures the central database shared by all stations.
type CentralSettings struct {
	Type               string         `yaml:"type" validate:"oneof=mysql sqlite"`
	SQLite             SQLiteSettings `yaml:"sqlite"`
	MySQL              MySQLSettings  `yaml:"mysql"`
	MaxOpenConns       int            `yaml:"maxopenconns" validate:"min=1"`
	SlowQueryThreshold time.Duration  `yaml:"slowquerythreshold"`
	ConnectTimeout     time.Duration  `yaml:"connecttimeout" validate:"min=0"`
}

// RetrySettings is the backoff policy for transient store errors.
type RetrySettings struct {
	MaxAttempts int           `yaml:"maxattempts" validate:"min=1,max=100"`
	BaseDelay   time.Duration `yaml:"basedelay" validate:"min=0"`
	MaxDelay    time.Duration `yaml:"maxdelay" validate:"min=0"`
	Multiplier  float64       `yaml:"multiplier" validate:"min=1"`
	MaxElapsed  time.Duration `yaml:"maxelapsed" validate:"min=0"`
	Jitter      float64       `yaml:"jitter" validate:"min=0,max=1"`
}

// SyncSettings tunes a sync run.
type SyncSettings struct {
	BatchSize        int           `yaml:"batchsize" validate:"min=1,max=50000"`
	MaxBatches       int           `yaml:"maxbatches" validate:"min=0"`       // 0 drains the edge store
	RevalidationDays int           `yaml:"revalidationdays" validate:"min=0"` // trailing window re-read every run
	Timeout          time.Duration `yaml:"timeout" validate:"min=0"`          // wall clock limit for a whole run
	LockDir          string        `yaml:"lockdir" validate:"required"`
	EdgeTable        string        `yaml:"edgetable" validate:"required,sqlident"`
	EdgeBusyTimeout  time.Duration `yaml:"edgebusytimeout" validate:"min=0"`
	Retry            RetrySettings `yaml:"retry"`
}

// MQTTSettings configures status publication.
type MQTTSettings struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker" validate:"required_if=Enabled true"`
	ClientID       string        `yaml:"clientid"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`     // may reference ${ENV_VAR}
	PasswordFile   string        `yaml:"passwordfile"` // read instead of password when set
	TopicPrefix    string        `yaml:"topicprefix" validate:"required_if=Enabled true"`
	QoS            byte          `yaml:"qos" validate:"max=2"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connecttimeout" validate:"min=0"`
	PublishTimeout time.Duration `yaml:"publishtimeout" validate:"min=0"`
}

// MetricsSettings configures the Prometheus node exporter textfile output.
type MetricsSettings struct {
	Textfile string `yaml:"textfile"` // base path of the per-station files, empty disables
}

// SentrySettings configures optional error reporting.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn" validate:"required_if=Enabled true"`
	Environment string `yaml:"environment"`
}

// Settings is the root configuration.
type Settings struct {
	Debug bool `yaml:"debug"`

	// Runtime values, not stored in config file
	Version    string `yaml:"-"`
	ConfigFile string `yaml:"-"`

	Logging  logger.LoggingConfig `yaml:"logging"`
	Stations []StationSettings    `yaml:"stations" validate:"required,min=1,dive"`
	Central  CentralSettings      `yaml:"central"`
	Sync     SyncSettings         `yaml:"sync"`
	MQTT     MQTTSettings         `yaml:"mqtt"`
	Metrics  MetricsSettings      `yaml:"metrics"`
	Sentry   SentrySettings       `yaml:"sentry"`
}

// Station returns the configuration of the named station.
func (s *Settings) Station(name string) (StationSettings, bool) {
	for _, st := range s.Stations {
		if st.Name == name {
			if st.Table == "" {
				st.Table = s.Sync.EdgeTable
			}
			return st, true
		}
	}
	return StationSettings{}, false
}

// StationNames returns the configured station names in config order.
func (s *Settings) StationNames() []string {
	names := make([]string, 0, len(s.Stations))
	for _, st := range s.Stations {
		names = append(names, st.Name)
	}
	return names
}

// Load reads configuration into a fresh Settings. configFile overrides the
// default search paths when set. v may carry flag bindings made by the caller;
// a nil v gets a new instance.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}

	if err := initViper(v, configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}
	settings.ConfigFile = v.ConfigFileUsed()

	if err := resolveSecrets(settings); err != nil {
		return nil, errors.New(err).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error validating settings: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}

	return settings, nil
}

func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return errors.New(err).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			// Defaults plus environment can still describe a complete setup
			return nil
		}
		return errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Context("config_file", configFile).
			Build()
	}

	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml,
// most specific first.
func GetDefaultConfigPaths() []string {
	var paths []string

	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Dir(exe))
	}

	home, err := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		if err == nil {
			paths = append(paths, filepath.Join(home, "AppData", "Roaming", "birdnet-sync"))
		}
	default:
		if err == nil {
			paths = append(paths, filepath.Join(home, ".config", "birdnet-sync"))
		}
		paths = append(paths, "/etc/birdnet-sync")
	}

	return paths
}

// defaultLockDir is shared by every invocation on the host so runs for the
// same station see each other's lock files.
func defaultLockDir() string {
	return filepath.Join(os.TempDir(), "birdnet-sync")
}
