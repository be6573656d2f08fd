// conf/utils.go various util functions for configuration package
package conf

import (
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tphakala/wow-sync/internal/errors"
)

// GetDefaultConfigPaths returns the directories searched for config.yaml:
// the working directory, the per-user config directory and a system-wide one.
// If a config.yaml exists in one of them, only that directory is returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	var configPaths []string
	switch runtime.GOOS {
	case "windows":
		configPaths = []string{
			".",
			filepath.Join(homeDir, "AppData", "Roaming", AppDir),
		}
	default:
		configPaths = []string{
			".",
			filepath.Join(homeDir, ".config", AppDir),
			filepath.Join("/etc", AppDir),
		}
	}

	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, ConfigName+".yaml")); err == nil {
			return []string{path}, nil
		}
	}
	return configPaths, nil
}

// FindConfigFile locates the configuration file.
func FindConfigFile() (string, error) {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "find-config-paths").
			Build()
	}

	for _, path := range configPaths {
		configFilePath := filepath.Join(path, ConfigName+".yaml")
		if _, err := os.Stat(configFilePath); err == nil {
			return configFilePath, nil
		}
	}

	return "", errors.Newf("config file not found").
		Category(errors.CategoryFileIO).
		Context("operation", "find-config-file").
		Build()
}

// moveFile copies src to dst and removes src
func moveFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.New(err).Category(errors.CategoryFileIO).Context("operation", "open-source").Build()
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.New(err).Category(errors.CategoryFileIO).Context("operation", "create-destination").Build()
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.New(err).Category(errors.CategoryFileIO).Context("operation", "copy").Build()
	}
	if err := out.Close(); err != nil {
		return errors.New(err).Category(errors.CategoryFileIO).Context("operation", "close-destination").Build()
	}
	in.Close()
	return os.Remove(src)
}
