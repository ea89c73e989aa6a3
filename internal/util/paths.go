package util

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "docsync"

// platformDir resolves a per-user base directory.
// winEnv/winFallback are used on Windows, xdgEnv/xdgFallback on Linux and BSD.
// macOS always uses ~/Library/Application Support.
func platformDir(winEnv string, winFallback []string, xdgEnv string, xdgFallback []string) string {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv(winEnv)
		if baseDir == "" {
			parts := append([]string{os.Getenv("USERPROFILE")}, winFallback...)
			baseDir = filepath.Join(parts...)
		}
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		baseDir = filepath.Join(homeDir, "Library", "Application Support")
	default:
		baseDir = os.Getenv(xdgEnv)
		if baseDir == "" {
			homeDir, _ := os.UserHomeDir()
			parts := append([]string{homeDir}, xdgFallback...)
			baseDir = filepath.Join(parts...)
		}
	}

	return filepath.Join(baseDir, appDirName)
}

// GetConfigDir returns the user's configuration directory following platform conventions
// Linux/BSD: $XDG_CONFIG_HOME/docsync or ~/.config/docsync
// macOS: ~/Library/Application Support/docsync
// Windows: %APPDATA%/docsync
func GetConfigDir() string {
	return platformDir("APPDATA", []string{"AppData", "Roaming"}, "XDG_CONFIG_HOME", []string{".config"})
}

// GetDataDir returns the user's data directory following platform conventions
// Linux/BSD: $XDG_DATA_HOME/docsync or ~/.local/share/docsync
// macOS: ~/Library/Application Support/docsync
// Windows: %LOCALAPPDATA%/docsync
func GetDataDir() string {
	return platformDir("LOCALAPPDATA", []string{"AppData", "Local"}, "XDG_DATA_HOME", []string{".local", "share"})
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// GetDefaultDBPath returns the default database file path for replica state
func GetDefaultDBPath() string {
	return filepath.Join(GetDataDir(), "docsync.db")
}

// GetDefaultDownloadDir returns where received peer files are written
func GetDefaultDownloadDir() string {
	return filepath.Join(GetDataDir(), "downloads")
}
