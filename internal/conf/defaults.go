// conf/defaults.go default values for settings
package conf

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/wow-sync/internal/logger"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	perPage, err := strconv.Atoi(PageSize)
	if err != nil || perPage <= 0 {
		perPage = 200
	}
	viper.SetDefault("api.baseurl", APIBaseURL)
	viper.SetDefault("api.perpage", perPage)
	viper.SetDefault("api.requestspersecond", 1.0)
	viper.SetDefault("api.burst", 5)
	viper.SetDefault("api.timeout", 60*time.Second)

	viper.SetDefault("store.engine", "sqlite")
	viper.SetDefault("store.path", "wowsync.db")
	viper.SetDefault("store.minfreebytes", 50*1024*1024)
	viper.SetDefault("store.maxrecords", 5000)
	viper.SetDefault("store.maxblobbytes", 256*1024*1024)
	viper.SetDefault("store.snapshotpath", "")
	viper.SetDefault("store.debug", false)

	viper.SetDefault("sync.interval", 5*time.Minute)
	viper.SetDefault("sync.basedelay", 30*time.Second)
	viper.SetDefault("sync.maxdelay", 6*time.Hour)
	viper.SetDefault("sync.maxattempts", 8)
	viper.SetDefault("sync.calltimeout", 2*time.Minute)
	viper.SetDefault("sync.serverfields", []string{"quality_grade", "uri", "place_guess", "taxon_geoprivacy"})

	viper.SetDefault("worker.workers", 2)
	viper.SetDefault("worker.queuesize", 32)
	viper.SetDefault("worker.maxdimension", 2048)
	viper.SetDefault("worker.quality", 85)

	features := strings.Split(Features, ",")
	viper.SetDefault("features.pull", containsFeature(features, "pull"))
	viper.SetDefault("features.compression", containsFeature(features, "compression"))

	viper.SetDefault("session.path", "session.json")
	viper.SetDefault("taxa.path", "")

	viper.SetDefault("logging.default_level", logger.DefaultLogLevel)
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	viper.SetDefault("logging.console.level", logger.DefaultLogLevel)
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	viper.SetDefault("logging.file_output.level", logger.DefaultLogLevel)
	viper.SetDefault("logging.file_output.max_size", logger.DefaultMaxSize)
	viper.SetDefault("logging.file_output.max_age", logger.DefaultMaxAge)
	viper.SetDefault("logging.file_output.max_backups", logger.DefaultMaxBackups)
	viper.SetDefault("logging.file_output.compress", true)

	viper.SetDefault("metrics.enabled", true)

	viper.SetDefault("server.enabled", true)
	viper.SetDefault("server.listen", "127.0.0.1:8765")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
}

func containsFeature(features []string, name string) bool {
	for _, f := range features {
		if strings.EqualFold(strings.TrimSpace(f), name) {
			return true
		}
	}
	return false
}
