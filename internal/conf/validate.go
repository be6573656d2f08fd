// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) error{
		validateAPISettings,
		validateStoreSettings,
		validateSyncSettings,
		validateWorkerSettings,
		validateServerSettings,
		validateSentrySettings,
	} {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateAPISettings(s *Settings) error {
	if err := validateEnvURL(s.API.BaseURL); err != nil {
		return fmt.Errorf("api.baseurl: %w", err)
	}
	if s.API.PerPage <= 0 || s.API.PerPage > 200 {
		return fmt.Errorf("api.perpage must be between 1 and 200, got %d", s.API.PerPage)
	}
	if s.API.RequestsPerSecond <= 0 {
		return fmt.Errorf("api.requestspersecond must be positive")
	}
	return nil
}

func validateStoreSettings(s *Settings) error {
	if err := validateEnvEngine(s.Store.Engine); err != nil {
		return fmt.Errorf("store.engine: %w", err)
	}
	if s.Store.Engine == "sqlite" && s.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite engine")
	}
	if s.Store.MaxRecords < 0 || s.Store.MaxBlobBytes < 0 {
		return fmt.Errorf("store limits cannot be negative")
	}
	return nil
}

func validateSyncSettings(s *Settings) error {
	switch {
	case s.Sync.Interval <= 0:
		return fmt.Errorf("sync.interval must be positive")
	case s.Sync.BaseDelay <= 0:
		return fmt.Errorf("sync.basedelay must be positive")
	case s.Sync.MaxDelay < s.Sync.BaseDelay:
		return fmt.Errorf("sync.maxdelay (%s) must not be shorter than sync.basedelay (%s)", s.Sync.MaxDelay, s.Sync.BaseDelay)
	case s.Sync.MaxAttempts <= 0:
		return fmt.Errorf("sync.maxattempts must be positive")
	}
	return nil
}

func validateWorkerSettings(s *Settings) error {
	if s.Worker.Quality < 1 || s.Worker.Quality > 100 {
		return fmt.Errorf("worker.quality must be between 1 and 100, got %d", s.Worker.Quality)
	}
	if s.Worker.MaxDimension < 16 {
		return fmt.Errorf("worker.maxdimension must be at least 16, got %d", s.Worker.MaxDimension)
	}
	if s.Worker.Workers < 0 {
		return fmt.Errorf("worker.workers cannot be negative")
	}
	return nil
}

func validateServerSettings(s *Settings) error {
	if !s.Server.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: %w", err)
	}
	return nil
}

func validateSentrySettings(s *Settings) error {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return fmt.Errorf("sentry.dsn is required when sentry is enabled")
	}
	return nil
}
