package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// MustGetUserHomeDir returns the user's home directory, falling back to the
// XDG home when os.UserHomeDir fails (e.g. no $HOME in the environment).
func MustGetUserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return xdg.Home
	}
	return home
}

// FileExists returns true if the given path exists.
func FileExists(file string) bool {
	_, err := os.Stat(file)
	return err == nil
}

// IsDir returns true if the given path exists and is a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// OpenOrCreateFile opens the file for appending, creating it (and its parent
// directory) when it does not exist. The file is opened with O_SYNC so that
// concurrent writers do not interleave partial lines.
func OpenOrCreateFile(file string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(file), err)
	}
	return os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0600)
}

// WriteFileAtomic writes data to path via a sibling temporary file followed
// by fsync and rename, so readers never observe a half-written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// TruncString truncates val to at most max runes.
func TruncString(val string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(val)
	if len(runes) <= max {
		return val
	}
	return string(runes[:max])
}

// IsYAMLFile returns true for .yaml / .yml filenames.
func IsYAMLFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}
