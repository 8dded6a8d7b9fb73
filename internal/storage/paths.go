// Package storage persists game records, analysis snapshots and
// application state in BadgerDB.
package storage

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "kifulab"

// GetDataDir returns the platform-specific data directory for the application.
// - macOS: ~/Library/Application Support/kifulab/
// - Linux: ~/.local/share/kifulab/
// - Windows: %APPDATA%/kifulab/
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(homeDir, "Library", "Application Support")

	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(homeDir, "AppData", "Roaming")
		}

	default:
		// Linux and other Unix-like: XDG_DATA_HOME or ~/.local/share/
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(homeDir, ".local", "share")
		}
	}

	dataDir := filepath.Join(baseDir, appName)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	return dataDir, nil
}

// GetDatabaseDir returns the directory for storing the BadgerDB database.
func GetDatabaseDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	dbDir := filepath.Join(dataDir, "db")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return "", err
	}
	return dbDir, nil
}

// GetEngineDir returns the directory where installed engines live.
func GetEngineDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	engineDir := filepath.Join(dataDir, "engines")
	if err := os.MkdirAll(engineDir, 0755); err != nil {
		return "", err
	}
	return engineDir, nil
}
