package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDirEnv overrides the directory holding config.yaml and the database.
const ConfigDirEnv = "FEDTUBE_CONFIG_DIR"

// GetConfigDir returns $FEDTUBE_CONFIG_DIR or ~/.config/fedtube, creating it.
func GetConfigDir() (string, error) {
	dir := os.Getenv(ConfigDirEnv)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("locate user config dir: %w", err)
		}
		dir = filepath.Join(base, Name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath keeps absolute paths and files present in the working
// directory; anything else lives in the config dir.
func ResolveFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := GetConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
