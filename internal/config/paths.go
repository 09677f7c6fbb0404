package config

import (
	"os"
	"path/filepath"
)

// Paths holds the platform directories parley uses.
type Paths struct {
	// Config is where configuration files are looked up.
	Config string
	// Data is where the session record lives by default.
	Data string
}

// GetPaths resolves the XDG-style directories for parley.
func GetPaths() Paths {
	home, _ := os.UserHomeDir()

	configBase := os.Getenv("XDG_CONFIG_HOME")
	if configBase == "" {
		configBase = filepath.Join(home, ".config")
	}

	dataBase := os.Getenv("XDG_DATA_HOME")
	if dataBase == "" {
		dataBase = filepath.Join(home, ".local", "share")
	}

	return Paths{
		Config: filepath.Join(configBase, "parley"),
		Data:   filepath.Join(dataBase, "parley"),
	}
}
