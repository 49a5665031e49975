//go:build windows

package modelcache

import (
	"os"
	"path/filepath"
)

// getDefaultDataDir returns the default cache directory for Windows.
// Returns %APPDATA%\<appName>\cache\
func getDefaultDataDir(appName string) (string, error) {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		appData = filepath.Join(home, "AppData", "Roaming")
	}
	return filepath.Join(appData, appName, "cache"), nil
}
