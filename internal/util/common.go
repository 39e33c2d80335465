package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultStoreTimeout = 5 * time.Second
	ShortTimeout        = 2 * time.Second
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".  This helper
// gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateIdentity validates and normalizes a participant identity or role.
// Returns the trimmed value and an error if invalid.
func ValidateIdentity(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("identity is empty")
	}
	if strings.ContainsAny(id, "/\\ \t\n") || strings.Contains(id, "..") {
		return "", errors.New("identity must not contain whitespace, slashes or '..'")
	}
	return id, nil
}

// ShortID returns the first n characters of id for log lines.
func ShortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
