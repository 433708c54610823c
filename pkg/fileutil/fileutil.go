// Package fileutil resolves script paths written on case-insensitive systems.
package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Resolve returns path unchanged when it exists. Otherwise the last element
// is matched case-insensitively against the regular files of its directory,
// so "MOVE.TXT" finds "move.txt". The error wraps fs.ErrNotExist when no
// entry matches.
func Resolve(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return FindFileCaseInsensitive(filepath.Dir(path), filepath.Base(path))
}

// FindFileCaseInsensitive searches dir for a regular file named filename,
// ignoring case. An exact match wins over a case-folded one.
func FindFileCaseInsensitive(dir, filename string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	match := ""
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if entry.Name() == filename {
			return filepath.Join(dir, entry.Name()), nil
		}
		if match == "" && strings.EqualFold(entry.Name(), filename) {
			match = entry.Name()
		}
	}
	if match != "" {
		return filepath.Join(dir, match), nil
	}

	return "", fmt.Errorf("file not found: %s (searched in %s): %w", filename, dir, fs.ErrNotExist)
}

// IsNotExist reports whether err means no file matched.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
