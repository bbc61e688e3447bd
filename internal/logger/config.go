package logger

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Timezone      string                  `yaml:"timezone" json:"timezone" mapstructure:"timezone"`              // "Local", "UTC", or IANA timezone name
	DefaultLevel  string                  `yaml:"defaultlevel" json:"default_level" mapstructure:"defaultlevel"` // default log level for all modules
	Console       *ConsoleOutput          `yaml:"console" json:"console" mapstructure:"console"`                 // console output configuration
	FileOutput    *FileOutput             `yaml:"fileoutput" json:"file_output" mapstructure:"fileoutput"`       // file output configuration
	ModuleOutputs map[string]ModuleOutput `yaml:"modules" json:"modules" mapstructure:"modules"`                 // per-module output configuration
	ModuleLevels  map[string]string       `yaml:"modulelevels" json:"module_levels" mapstructure:"modulelevels"` // per-module log levels
}

// ConsoleOutput represents console logging configuration.
// Console output is text without timestamps; journald or cron adds them.
type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Level   string `yaml:"level" json:"level" mapstructure:"level"`
}

// FileOutput represents file logging configuration.
// File output uses JSON with RFC3339 timestamps for log aggregation.
type FileOutput struct {
	Enabled         bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Path            string `yaml:"path" json:"path" mapstructure:"path"`
	MaxSize         int    `yaml:"maxsize" json:"max_size" mapstructure:"maxsize"`                          // MB before rotation (0 = no rotation)
	MaxAge          int    `yaml:"maxage" json:"max_age" mapstructure:"maxage"`                             // days to keep rotated logs (0 = no limit)
	MaxRotatedFiles int    `yaml:"maxrotatedfiles" json:"max_rotated_files" mapstructure:"maxrotatedfiles"` // rotated files to keep (0 = no limit)
	Compress        bool   `yaml:"compress" json:"compress" mapstructure:"compress"`
	Level           string `yaml:"level" json:"level" mapstructure:"level"`
}

// ModuleOutput represents per-module output configuration
type ModuleOutput struct {
	Enabled     bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	FilePath    string `yaml:"filepath" json:"file_path" mapstructure:"filepath"`
	Level       string `yaml:"level" json:"level" mapstructure:"level"`
	ConsoleAlso bool   `yaml:"consolealso" json:"console_also" mapstructure:"consolealso"`
}

// Default values for logging configuration.
// These match the defaults in conf/defaults.go.
const (
	DefaultLogLevel        = "info"
	DefaultLogPath         = "logs/birdnet-sync.log"
	DefaultQuarantinePath  = "logs/quarantine.log"
	DefaultMaxSize         = 50 // MB before rotation
	DefaultMaxAge          = 30 // days to keep rotated files
	DefaultMaxRotatedFiles = 10
	DefaultConsoleEnabled  = true
	DefaultFileEnabled     = false

	// QuarantineModule receives one record per quarantined row.
	QuarantineModule = "quarantine"
)

// applyConfigDefaults fills in nil sections so a config without a logging
// block still produces console output.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}

	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}

	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{
			Enabled: DefaultConsoleEnabled,
			Level:   DefaultLogLevel,
		}
	}

	if cfg.FileOutput == nil {
		cfg.FileOutput = &FileOutput{
			Enabled:         DefaultFileEnabled,
			Path:            DefaultLogPath,
			Level:           DefaultLogLevel,
			MaxSize:         DefaultMaxSize,
			MaxAge:          DefaultMaxAge,
			MaxRotatedFiles: DefaultMaxRotatedFiles,
		}
	}

	if cfg.ModuleOutputs == nil {
		cfg.ModuleOutputs = make(map[string]ModuleOutput)
	}
}
