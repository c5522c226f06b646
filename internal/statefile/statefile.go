// Package statefile reads and writes the small JSON state blobs the
// service keeps on disk. All writes are atomic (temp file + rename) so
// the dashboard process never observes a half-written file.
package statefile

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Load unmarshals the JSON file at path into dest. A missing file
// returns fs.ErrNotExist untouched so callers can fall back to defaults.
func Load(path string, dest any) error {
	if path == "" {
		return errors.New("state file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// LoadOr unmarshals path into dest, or leaves dest alone and returns nil
// when the file does not exist yet.
func LoadOr(path string, dest any) error {
	err := Load(path, dest)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Save marshals v as indented JSON and writes it atomically: the payload
// goes to a temp file in the target directory, is fsynced, then renamed
// over path. The parent directory is created if needed.
func Save(path string, v any) error {
	if path == "" {
		return errors.New("state file path is empty")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".doorsync-state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
