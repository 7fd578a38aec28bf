package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalidName is returned for database names outside [A-Za-z0-9_-].
var ErrInvalidName = errors.New("invalid database name")

// Prefix returns the installation prefix, $FEEDREADER_PREFIX or "/".
func Prefix() string {
	if p := os.Getenv("FEEDREADER_PREFIX"); p != "" {
		return p
	}
	return "/"
}

// DefaultDir returns the application data directory.
func DefaultDir() string {
	return filepath.Join(Prefix(), "var", "lib", "feedreader")
}

// ValidName reports whether name is a safe database name.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// Path returns the file of database name inside dir.
func Path(dir, name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name+".db"), nil
}
