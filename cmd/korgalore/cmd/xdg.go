package cmd

import (
	"os"
	"path/filepath"
)

// xdgDataDir returns $XDG_DATA_HOME/korgalore, defaulting to
// ~/.local/share/korgalore, creating it if necessary.
func xdgDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, "korgalore")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// xdgConfigDir returns $XDG_CONFIG_HOME/korgalore, defaulting to
// ~/.config/korgalore, creating it if necessary.
func xdgConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, "korgalore")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
