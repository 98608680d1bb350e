// Package storage implements the file persistence discipline shared by the
// session, cron, and pairing stores: write to a temp file in the same
// directory, fsync, rename over the target, then refresh a best-effort .bak
// copy. A reader concurrent with any write observes either the old or the
// new content, never a partial file.
package storage

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// WriteFileAtomic atomically replaces path with data. The parent directory
// is created on demand; a missing parent triggers exactly one mkdir+retry.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := fmt.Sprintf("%s.%d.%d.tmp", path, os.Getpid(), rand.Int63())

	write := func() error {
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return err
		}
		return os.Rename(tmp, path)
	}

	err := write()
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return fmt.Errorf("creating parent dir: %w", mkErr)
		}
		err = write()
	}
	if err != nil {
		return err
	}

	// Best-effort backup of the freshly written file. Failure here never
	// fails the write itself.
	_ = os.WriteFile(path+".bak", data, perm)
	return nil
}

// SaveJSON marshals v with indentation and writes it atomically.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data, 0o600)
}

// LoadJSON reads path into v. A missing file is not an error; the caller's
// zero value stands for the empty store.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
