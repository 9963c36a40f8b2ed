package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MaxNameLength is the longest accepted connection point name.
const MaxNameLength = 32

var (
	// ErrInvalidName means the name is not a legal connection point.
	ErrInvalidName = errors.New("invalid connection point name")
	// ErrNotFound means no connection point with that name is listening.
	ErrNotFound = errors.New("connection point not found")
	// ErrUnavailable means the connection point exists but no segment
	// could be established through it.
	ErrUnavailable = errors.New("segment unavailable")
)

// ValidName reports whether name is 1..MaxNameLength characters of
// [A-Za-z0-9_-].
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// DefaultDir returns the directory connection points live in:
// $A12RELAY_CONNPATH, else $XDG_RUNTIME_DIR, else the temp dir.
func DefaultDir() string {
	if d := os.Getenv("A12RELAY_CONNPATH"); d != "" {
		return d
	}
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		return d
	}
	return os.TempDir()
}

// Resolve maps a connection point name to its socket path. It fails with
// ErrInvalidName for malformed names and ErrNotFound when nothing is
// listening under that name. It performs no connection attempt.
func Resolve(dir, name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return "", fmt.Errorf("%w: %s is not a socket", ErrNotFound, path)
	}
	return path, nil
}
