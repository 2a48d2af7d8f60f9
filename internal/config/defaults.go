package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "ratingstudy"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ratingstudy/
//   - Linux:   $XDG_DATA_HOME/ratingstudy/ or ~/.local/share/ratingstudy/
//   - Windows: %APPDATA%\ratingstudy\
//
// Falls back to ~/.ratingstudy if the platform is unknown.
func PlatformDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
	}
	return filepath.Join(home, "."+appName)
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appName)
	}
	return PlatformDataDir()
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", appName)
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, appName, "logs")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			stateHome = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(stateHome, appName)
	}
}

// SupportedConfigFormats returns the supported config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory, then the config
// directory, then the data directory for config.<ext>. It returns "" if
// none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
