package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName names the per-user directories.
const AppName = "gitauth"

// ConfigDir returns the XDG-compliant config directory
// Typically ~/.config/gitauth/ on Linux
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// ConfigPath returns the full path to the config file
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json5")
}

// DataDir returns the XDG-compliant data directory
// Typically ~/.local/share/gitauth/ on Linux; holds the vault
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// StateDir returns the XDG-compliant state directory
// Typically ~/.local/state/gitauth/ on Linux; holds the file keyring
func StateDir() string {
	return filepath.Join(xdg.StateHome, AppName)
}
