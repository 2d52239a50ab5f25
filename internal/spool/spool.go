// Package spool stores print job artifacts on disk.
//
// Every append is a scoped open/write/sync/close, so a job artifact is durable
// after each bulk transfer and no file handle outlives a call.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	// ArtifactExt is the file suffix of every job artifact.
	ArtifactExt = ".pcl"
	// NameLayout formats the artifact timestamp (YYYYMMDDHHMMSS, local time).
	NameLayout = "20060102150405"

	lockFileName = ".vprinter.lock"
)

var (
	ErrOpen   = errors.New("open spool artifact")
	ErrWrite  = errors.New("write spool artifact")
	ErrLocked = errors.New("spool directory is locked by another instance")
)

// ArtifactName returns the artifact file name for a job started at t.
func ArtifactName(t time.Time) string {
	return t.Local().Format(NameLayout) + ArtifactExt
}

// Dir is a spool directory.
type Dir struct {
	path string
	lock *flock.Flock
}

// Entry describes one artifact in a spool directory.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Open returns the spool directory at path, creating it if needed.
func Open(path string) (*Dir, error) {
	if path == "" {
		path = "."
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir %s: %w", path, err)
	}
	return &Dir{
		path: path,
		lock: flock.New(filepath.Join(path, lockFileName)),
	}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// Join returns the full path of an artifact name.
func (d *Dir) Join(name string) string { return filepath.Join(d.path, name) }

// Exists reports whether an artifact with name is present.
func (d *Dir) Exists(name string) bool {
	_, err := os.Stat(d.Join(name))
	return err == nil
}

// Lock takes an exclusive, non-blocking lock on the directory so that only one
// emulator spools into it at a time.
func (d *Dir) Lock() error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire spool lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", d.path, ErrLocked)
	}
	return nil
}

// Unlock releases the directory lock.
func (d *Dir) Unlock() error {
	return d.lock.Unlock()
}

// Append writes data to the end of the named artifact, creating it if needed.
// The data is synced to stable storage before Append returns.
func (d *Dir) Append(name string, data []byte) (err error) {
	f, err := os.OpenFile(d.Join(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrOpen, name, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w %s: close: %w", ErrWrite, name, cerr)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w %s: %w", ErrWrite, name, err)
	}
	if err := syncData(f); err != nil {
		return fmt.Errorf("%w %s: sync: %w", ErrWrite, name, err)
	}
	return nil
}

// List returns the artifacts in the directory sorted by name (oldest first).
func (d *Dir) List() ([]Entry, error) {
	des, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ArtifactExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: de.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
