// conf/config.go application settings loaded with viper
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/wow-sync/internal/buildinfo"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// APISettings configures the remote observation API
type APISettings struct {
	BaseURL           string        `mapstructure:"baseurl" yaml:"baseurl"`
	PerPage           int           `mapstructure:"perpage" yaml:"perpage"`                     // page size of observation listings
	RequestsPerSecond float64       `mapstructure:"requestspersecond" yaml:"requestspersecond"` // client side rate limit
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"` // per request
}

// StoreSettings configures the local record store
type StoreSettings struct {
	Engine       string `mapstructure:"engine" yaml:"engine"` // sqlite or memory
	Path         string `mapstructure:"path" yaml:"path"`     // sqlite database file
	MinFreeBytes uint64 `mapstructure:"minfreebytes" yaml:"minfreebytes"`
	MaxRecords   int    `mapstructure:"maxrecords" yaml:"maxrecords"`     // memory engine bound
	MaxBlobBytes int64  `mapstructure:"maxblobbytes" yaml:"maxblobbytes"` // memory engine bound
	SnapshotPath string `mapstructure:"snapshotpath" yaml:"snapshotpath"`
	Debug        bool   `mapstructure:"debug" yaml:"debug"`
}

// SyncSettings configures the upload queue
type SyncSettings struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	BaseDelay    time.Duration `mapstructure:"basedelay" yaml:"basedelay"`
	MaxDelay     time.Duration `mapstructure:"maxdelay" yaml:"maxdelay"`
	MaxAttempts  int           `mapstructure:"maxattempts" yaml:"maxattempts"`
	CallTimeout  time.Duration `mapstructure:"calltimeout" yaml:"calltimeout"`
	ServerFields []string      `mapstructure:"serverfields" yaml:"serverfields"` // adopted from the server after each exchange
}

// WorkerSettings configures photo compression
type WorkerSettings struct {
	Workers      int `mapstructure:"workers" yaml:"workers"`
	QueueSize    int `mapstructure:"queuesize" yaml:"queuesize"`
	MaxDimension int `mapstructure:"maxdimension" yaml:"maxdimension"`
	Quality      int `mapstructure:"quality" yaml:"quality"`
}

// FeatureSettings toggles optional behaviour
type FeatureSettings struct {
	Pull        bool `mapstructure:"pull" yaml:"pull"`               // reconcile with the server after each pass
	Compression bool `mapstructure:"compression" yaml:"compression"` // recompress photos before upload
}

// SessionSettings locates the signed-in user's credential
type SessionSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// TaxaSettings locates the prebuilt species lookup dataset
type TaxaSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsSettings configures the Prometheus endpoint
type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ServerSettings configures the local HTTP API of the daemon
type ServerSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// SentrySettings configures error telemetry
type SentrySettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// Settings contains all configuration options for the application
type Settings struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`

	API      APISettings          `mapstructure:"api" yaml:"api"`
	Store    StoreSettings        `mapstructure:"store" yaml:"store"`
	Sync     SyncSettings         `mapstructure:"sync" yaml:"sync"`
	Worker   WorkerSettings       `mapstructure:"worker" yaml:"worker"`
	Features FeatureSettings      `mapstructure:"features" yaml:"features"`
	Session  SessionSettings      `mapstructure:"session" yaml:"session"`
	Taxa     TaxaSettings         `mapstructure:"taxa" yaml:"taxa"`
	Logging  logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsSettings      `mapstructure:"metrics" yaml:"metrics"`
	Server   ServerSettings       `mapstructure:"server" yaml:"server"`
	Sentry   SentrySettings       `mapstructure:"sentry" yaml:"sentry"`

	// Build is injected at startup, never read from file
	Build *buildinfo.Context `mapstructure:"-" yaml:"-"`
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables. An empty
// configFile searches the default locations and writes a default config
// when none exists.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper(configFile string) error {
	viper.SetConfigType("yaml")
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		return err
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", configFile).
				Build()
		}
		return nil
	}

	viper.SetConfigName(ConfigName)
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// createDefaultConfig writes the embedded default config into dir and reads it
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, ConfigName+".yaml")

	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded default config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// GetSettings returns the settings of the last successful Load
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// ConfigFileUsed returns the path of the config file read by Load
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// SaveYAMLConfig writes settings to configPath, replacing the file atomically.
// Comments and ordering of an existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		// rename fails across devices
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}
	return nil
}
