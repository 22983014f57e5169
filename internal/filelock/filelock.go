// Package filelock provides single-instance enforcement for tedged
// via an OS advisory lock (flock) on a lockfile under the run
// directory. It guards against two gateway processes racing on the
// same MQTT client id and entity store.
package filelock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lockfile holds an exclusively-locked file. Callers must call
// Unlock when the lock is no longer needed; the lock is
// also released automatically when the process exits even if Unlock
// was never called, since flock locks do not survive process death.
type Lockfile struct {
	file *os.File
	path string
	log  *slog.Logger
}

// New creates (or opens) a lockfile named name under dir and takes a
// non-blocking exclusive lock on it. It returns an error if another
// process already holds the lock.
func New(dir, name string, log *slog.Logger) (*Lockfile, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filelock: create run dir: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelock: could not acquire lock on %s: %w", path, err)
	}

	log.Debug("lockfile acquired", "path", path)
	return &Lockfile{file: f, path: path, log: log}, nil
}

// Path returns the path to the lockfile on disk.
func (l *Lockfile) Path() string { return l.path }

// Unlock releases the flock and removes the lockfile from disk. It is
// safe to call once; subsequent calls are no-ops.
func (l *Lockfile) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		l.log.Warn("error releasing flock", "path", l.path, "error", err)
	}
	if err := f.Close(); err != nil {
		l.log.Warn("error closing lockfile", "path", l.path, "error", err)
	}

	if err := os.Remove(l.path); err != nil {
		l.log.Warn("error removing lockfile", "path", l.path, "error", err)
		return err
	}
	l.log.Debug("lockfile released", "path", l.path)
	return nil
}
