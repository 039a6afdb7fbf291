package config

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// AppHomeDir is the directory under the user's home that holds every file
// tethermux writes.
const AppHomeDir = ".tethermux"

// HomeEnv overrides the application home directory.
const HomeEnv = "TETHERMUX_HOME"

// AppHome returns the application home directory, creating it if needed.
func AppHome() string {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logrus.Warnf("config: no user home directory: %v", err)
			return "."
		}
		dir = filepath.Join(home, AppHomeDir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logrus.Warnf("config: create %s: %v", dir, err)
	}
	return dir
}

// SettingsPath is ~/.tethermux/settings.yaml.
func SettingsPath() string {
	return filepath.Join(AppHome(), "settings.yaml")
}

// LastUsersPath is ~/.tethermux/last_users.yaml.
func LastUsersPath() string {
	return filepath.Join(AppHome(), "last_users.yaml")
}
