// Package statefile reads and writes the YAML state files shared between
// laraforge processes. Writes are atomic (temp file plus rename) and
// read-modify-write cycles are serialized with an advisory lock on a
// sibling ".lock" file.
package statefile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	lferrors "github.com/laraforge/laraforge/internal/errors"
)

// DefaultLockTimeout bounds how long WithLock waits for another process.
const DefaultLockTimeout = 10 * time.Second

const lockPollInterval = 25 * time.Millisecond

// File is one YAML state file.
type File struct {
	Path        string
	LockTimeout time.Duration
}

// New returns a File for path with the default lock timeout.
func New(path string) *File {
	return &File{Path: path, LockTimeout: DefaultLockTimeout}
}

// Read decodes the file into v. It returns false when the file does not
// exist. A file that exists but does not parse yields a KindConfig error.
func (f *File) Read(v any) (bool, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, lferrors.E(lferrors.Op("statefile.Read"), lferrors.KindIO, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return false, lferrors.ConfigInvalid(lferrors.Op("statefile.Read"), f.Path, err)
	}
	return true, nil
}

// Write encodes v and atomically replaces the file.
func (f *File) Write(v any) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", f.Path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", f.Path, err)
	}
	return WriteAtomic(f.Path, buf.Bytes())
}

// WithLock runs fn while holding the exclusive lock for this file. It
// gives up with a KindTimeout error after LockTimeout or when ctx ends.
func (f *File) WithLock(ctx context.Context, fn func() error) error {
	timeout := f.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lockPath := f.Path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return lferrors.E(lferrors.Op("statefile.WithLock"), lferrors.KindIO, err)
	}
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return lferrors.E(lferrors.Op("statefile.WithLock"), lferrors.KindIO, err)
	}
	defer func() { _ = lf.Close() }()

	for {
		ok, err := tryLock(lf)
		if err != nil {
			return lferrors.E(lferrors.Op("statefile.WithLock"), lferrors.KindIO, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return lferrors.Timeout(lferrors.Op("statefile.WithLock"), "waiting for lock on "+f.Path)
		case <-time.After(lockPollInterval):
		}
	}
	defer func() { _ = unlock(lf) }()

	return fn()
}

// WriteAtomic writes data to a uniquely named temp file in the target
// directory, syncs it, and renames it over path.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+ulid.Make().String()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
