// Package dotdir manages the .cortex/ and ~/.cortex directories.
//
// The directory holds config.toml plus the default locations of the SQLite
// memory store, the sqlite-vec index, and the deletion journal.
package dotdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// dirName is the name of the cortex directory.
	dirName = ".cortex"

	databaseFile = "cortex.db"
	vectorFile   = "vectors.db"
	journalFile  = "deletions.journal"
)

type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Target returns the target absolute path to a .cortex/ directory.
// Order of precedence is as follows:
//  1. Provided override
//  2. Local ./.cortex/ dir
//  3. Home ~/.cortex/ dir, created if missing
func (m *Manager) Target(overrideDir string) (string, error) {
	var dir string

	switch {
	case overrideDir != "":
		dir = overrideDir

	case m.localDirExists():
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting current directory: %w", err)
		}
		dir = filepath.Join(cwd, dirName)

	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		dir = filepath.Join(home, dirName)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cortex directory %s: %w", dir, err)
	}

	return filepath.Abs(dir)
}

// DatabasePath returns the default SQLite memory store path.
func (m *Manager) DatabasePath(overrideDir string) (string, error) {
	return m.file(overrideDir, databaseFile)
}

// VectorPath returns the default sqlite-vec index path.
func (m *Manager) VectorPath(overrideDir string) (string, error) {
	return m.file(overrideDir, vectorFile)
}

// JournalPath returns the default deletion journal path.
func (m *Manager) JournalPath(overrideDir string) (string, error) {
	return m.file(overrideDir, journalFile)
}

func (m *Manager) file(overrideDir, name string) (string, error) {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// localDirExists checks whether a .cortex/ directory exists in the current
// working directory.
func (m *Manager) localDirExists() bool {
	cwd, err := os.Getwd()
	if err != nil {
		return false
	}

	info, err := os.Stat(filepath.Join(cwd, dirName))
	return err == nil && info.IsDir()
}
