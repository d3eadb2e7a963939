package install

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/whiskeyjimb/pinstall/internal/meta"
)

const stagingDirName = ".staging"

// EntryStatus describes whether a cache entry can be handed to a job.
type EntryStatus int

const (
	StatusReady EntryStatus = iota
	StatusCorrupt
)

func (s EntryStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s EntryStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Entry is one extracted package in the cache. Entries are immutable once
// published.
type Entry struct {
	Key     Key         `json:"key" yaml:"key"`
	Path    string      `json:"path" yaml:"path"`
	Status  EntryStatus `json:"status" yaml:"status"`
	ModTime time.Time   `json:"mod_time" yaml:"mod_time"`
}

// Cache stores extracted packages by key.
type Cache interface {
	// Has reports whether a ready entry exists for key.
	Has(key Key) bool

	// Get returns the entry for key, or ErrNotFound.
	Get(key Key) (Entry, error)

	// Put extracts archive and publishes it under key. Readers never
	// observe a partially written entry.
	Put(ctx context.Context, key Key, archive []byte) (Entry, error)
}

// Evictor is implemented by caches whose entries can be listed and removed.
type Evictor interface {
	List() ([]Entry, error)
	Remove(key Key) error
}

// FSCache is a filesystem-backed Cache. Each key owns one directory under
// root; extraction happens in root/.staging and is published with a single
// rename.
type FSCache struct {
	root   string
	copyFS func(dir string, fsys fs.FS) error
}

// NewFSCache creates the cache root if needed.
func NewFSCache(root string) (*FSCache, error) {
	if root == "" {
		root = DefaultCacheDir()
	}
	if err := os.MkdirAll(filepath.Join(root, stagingDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &FSCache{root: root, copyFS: os.CopyFS}, nil
}

// Root returns the cache root directory.
func (c *FSCache) Root() string { return c.root }

func (c *FSCache) entryPath(key Key) string {
	return filepath.Join(c.root, key.PathSegment())
}

func (c *FSCache) stagingPath() string {
	return filepath.Join(c.root, stagingDirName, uuid.NewString())
}

func (c *FSCache) Has(key Key) bool {
	e, err := c.Get(key)
	return err == nil && e.Status == StatusReady
}

// Get returns ErrNotFound when no directory exists for key. A directory
// that exists but is empty or unreadable is reported as StatusCorrupt.
func (c *FSCache) Get(key Key) (Entry, error) {
	path := c.entryPath(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{Key: key, Path: path, Status: StatusCorrupt}, nil
	}

	entry := Entry{Key: key, Path: path, Status: StatusReady, ModTime: info.ModTime()}
	if !info.IsDir() {
		entry.Status = StatusCorrupt
		return entry, nil
	}
	children, err := os.ReadDir(path)
	if err != nil || len(children) == 0 {
		entry.Status = StatusCorrupt
	}
	return entry, nil
}

func (c *FSCache) Put(ctx context.Context, key Key, archive []byte) (Entry, error) {
	if e, err := c.Get(key); err == nil && e.Status == StatusReady {
		return e, nil
	}

	fsys, err := openArchive(archive)
	if err != nil {
		return Entry{}, &InstallError{Key: key, Op: "extract", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	staging := c.stagingPath()
	if err := c.copyFS(staging, fsys); err != nil {
		return Entry{}, &InstallError{
			Key: key,
			Op:  "extract",
			Err: errors.Join(fmt.Errorf("%w: %v", ErrExtractionFailed, err), discard(staging)),
		}
	}

	final := c.entryPath(key)
	if e, err := c.Get(key); err == nil {
		if e.Status == StatusReady {
			_ = discard(staging)
			return e, nil
		}
		if err := c.moveAside(final); err != nil {
			return Entry{}, &InstallError{
				Key: key,
				Op:  "store",
				Err: errors.Join(fmt.Errorf("%w: replacing corrupt entry: %v", ErrCacheWriteFailed, err), discard(staging)),
			}
		}
	}

	if err := os.Rename(staging, final); err != nil {
		// Another process may have published the same key first.
		if e, gerr := c.Get(key); gerr == nil && e.Status == StatusReady {
			_ = discard(staging)
			return e, nil
		}
		return Entry{}, &InstallError{
			Key: key,
			Op:  "store",
			Err: errors.Join(fmt.Errorf("%w: %v", ErrCacheWriteFailed, err), discard(staging)),
		}
	}

	return c.Get(key)
}

// List returns every entry in the cache sorted by key.
func (c *FSCache) List() ([]Entry, error) {
	dirents, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("reading cache dir: %w", err)
	}

	var entries []Entry
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		key, err := KeyFromPathSegment(d.Name())
		if err != nil {
			continue
		}
		e, err := c.Get(key)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Remove deletes the entry for key. The directory is renamed into staging
// first so no reader sees a half-deleted package.
func (c *FSCache) Remove(key Key) error {
	path := c.entryPath(key)
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return c.moveAside(path)
}

func (c *FSCache) moveAside(path string) error {
	trash := c.stagingPath()
	if err := os.Rename(path, trash); err != nil {
		return err
	}
	return os.RemoveAll(trash)
}

// SweepStaging removes staging directories older than maxAge, left behind
// by processes that died mid-extraction. It returns how many were removed.
func (c *FSCache) SweepStaging(maxAge time.Duration) (int, error) {
	dir := filepath.Join(c.root, stagingDirName)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, d.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func discard(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("discarding staging dir: %w", err)
	}
	return nil
}

// DefaultCacheDir returns the default package cache location.
// ~/.pinstall/cache/
func DefaultCacheDir() string {
	return filepath.Join(homeDir(), "cache")
}

// DefaultJobsDir returns the default root for job module directories.
// ~/.pinstall/jobs/
func DefaultJobsDir() string {
	return filepath.Join(homeDir(), "jobs")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+meta.AppName)
	}
	return filepath.Join(home, "."+meta.AppName)
}
