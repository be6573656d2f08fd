// env.go - Environment variable configuration and validation
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

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "WOWSYNC_DEBUG", validateEnvBool},

		// Remote API
		{"api.baseurl", "WOWSYNC_API_BASEURL", validateEnvURL},
		{"api.perpage", "WOWSYNC_API_PERPAGE", validateEnvPositiveInt},
		{"api.requestspersecond", "WOWSYNC_API_REQUESTSPERSECOND", validateEnvPositiveFloat},

		// Storage
		{"store.engine", "WOWSYNC_STORE_ENGINE", validateEnvEngine},
		{"store.path", "WOWSYNC_STORE_PATH", nil},

		// Upload queue
		{"sync.interval", "WOWSYNC_SYNC_INTERVAL", validateEnvDuration},
		{"sync.basedelay", "WOWSYNC_SYNC_BASEDELAY", validateEnvDuration},
		{"sync.maxdelay", "WOWSYNC_SYNC_MAXDELAY", validateEnvDuration},
		{"sync.maxattempts", "WOWSYNC_SYNC_MAXATTEMPTS", validateEnvPositiveInt},

		// Features and credentials
		{"features.pull", "WOWSYNC_FEATURES_PULL", validateEnvBool},
		{"features.compression", "WOWSYNC_FEATURES_COMPRESSION", validateEnvBool},
		{"session.path", "WOWSYNC_SESSION_PATH", nil},
		{"taxa.path", "WOWSYNC_TAXA_PATH", nil},

		{"server.listen", "WOWSYNC_SERVER_LISTEN", nil},
		{"sentry.dsn", "WOWSYNC_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
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

// Environment variable validation functions

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value: %s", value)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func validateEnvPositiveFloat(value string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}
	if f <= 0 {
		return fmt.Errorf("must be positive, got %g", f)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", d)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

func validateEnvEngine(value string) error {
	switch strings.TrimSpace(value) {
	case "sqlite", "memory":
		return nil
	}
	return fmt.Errorf("engine must be sqlite or memory, got %q", value)
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return bindEnvVars()
}
