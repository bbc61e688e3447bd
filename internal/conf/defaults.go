// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-sync/internal/logger"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.defaultlevel", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.fileoutput.enabled", logger.DefaultFileEnabled)
	v.SetDefault("logging.fileoutput.path", logger.DefaultLogPath)
	v.SetDefault("logging.fileoutput.level", logger.DefaultLogLevel)
	v.SetDefault("logging.fileoutput.maxsize", logger.DefaultMaxSize)
	v.SetDefault("logging.fileoutput.maxage", logger.DefaultMaxAge)
	v.SetDefault("logging.fileoutput.maxrotatedfiles", logger.DefaultMaxRotatedFiles)
	v.SetDefault("logging.fileoutput.compress", false)
	v.SetDefault("logging.modules", map[string]any{
		logger.QuarantineModule: map[string]any{
			"enabled":     true,
			"filepath":    logger.DefaultQuarantinePath,
			"level":       "info",
			"consolealso": true,
		},
	})

	v.SetDefault("central.type", "sqlite")
	v.SetDefault("central.sqlite.path", "central.db")
	v.SetDefault("central.mysql.host", "localhost")
	v.SetDefault("central.mysql.port", 3306)
	v.SetDefault("central.mysql.database", "birdnet")
	v.SetDefault("central.mysql.tls", "false")
	v.SetDefault("central.maxopenconns", 4)
	v.SetDefault("central.slowquerythreshold", 500*time.Millisecond)
	v.SetDefault("central.connecttimeout", 10*time.Second)

	v.SetDefault("sync.batchsize", 500)
	v.SetDefault("sync.maxbatches", 0)
	v.SetDefault("sync.revalidationdays", 7)
	v.SetDefault("sync.timeout", 10*time.Minute)
	v.SetDefault("sync.lockdir", defaultLockDir())
	v.SetDefault("sync.edgetable", "notes")
	v.SetDefault("sync.edgebusytimeout", 5*time.Second)
	v.SetDefault("sync.retry.maxattempts", 5)
	v.SetDefault("sync.retry.basedelay", 500*time.Millisecond)
	v.SetDefault("sync.retry.maxdelay", 15*time.Second)
	v.SetDefault("sync.retry.multiplier", 2.0)
	v.SetDefault("sync.retry.maxelapsed", 2*time.Minute)
	v.SetDefault("sync.retry.jitter", 0.2)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "")
	v.SetDefault("mqtt.topicprefix", "birdnet-sync")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.connecttimeout", 10*time.Second)
	v.SetDefault("mqtt.publishtimeout", 5*time.Second)

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.environment", "production")
}
