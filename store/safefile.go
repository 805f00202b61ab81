// Package store persists the manager's DynamicConfig and Declaration rows
// in a modernc.org/sqlite database, migrated with golang-migrate/migrate/v4,
// and renders per-zone config files to disk with the write-temp-fsync-
// rename-backup sequence the teacher uses for its SSH config file
// (sshimmer.go's SafeWriteFile), generalized here into its own helper so
// both the manager's rendered zone config files and sshprov's SSH config
// files share it.
package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// SafeWriteFile writes data to name via a temp file in the same directory,
// fsyncs it, backs up any existing file at name to name+".bak", and
// renames the temp file into place. The rename is atomic on any POSIX
// filesystem, so readers never observe a partially written file.
func SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("store: chmod temp file: %w", err)
	}

	if _, err := os.Stat(name); err == nil {
		if err := copyFile(name, name+".bak"); err != nil {
			return fmt.Errorf("store: backup existing file: %w", err)
		}
	}

	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
