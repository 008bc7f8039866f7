package securestore

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizePath trims a configured path value.
func NormalizePath(path string) string {
	return strings.TrimSpace(path)
}

// ReadFile reads a blob written by WriteFileAtomic.
func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(NormalizePath(path))
}

// WriteFileAtomic writes data via a temp file in the same directory, then
// renames it over the target. The parent directory is created 0700.
func WriteFileAtomic(path string, data []byte) error {
	path = NormalizePath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
