// Package storage persists JSON documents as files under a single root
// directory. Each file is a partition with exactly one logical writer; the
// package serializes writes per path and makes every write atomic (write to
// a temp file, fsync, rename) so a concurrent reader never observes a torn
// document.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Dir is a directory of JSON partition files.
type Dir struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the root directory if needed and returns a Dir over it.
func New(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Dir{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the absolute or relative root path the Dir was created with.
func (d *Dir) Root() string { return d.root }

// ReadJSON decodes the named partition into v. The second return is false
// when the partition does not exist, which callers treat as a normal empty
// state.
func (d *Dir) ReadJSON(name string, v any) (bool, error) {
	data, err := os.ReadFile(d.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// WriteJSON atomically replaces the named partition with the encoding of v.
func (d *Dir) WriteJSON(name string, v any) error {
	lock := d.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	target := d.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// Remove deletes the named partition. Returns false if it did not exist.
func (d *Dir) Remove(name string) (bool, error) {
	lock := d.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(d.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove %s: %w", name, err)
	}
	return true, nil
}

// Exists reports whether the named partition is present.
func (d *Dir) Exists(name string) bool {
	_, err := os.Stat(d.path(name))
	return err == nil
}

// List returns partition names matching the glob pattern, sorted.
func (d *Dir) List(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.root, pattern))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", pattern, err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(d.root, m)
		if err != nil {
			continue
		}
		names = append(names, filepath.ToSlash(rel))
	}
	sort.Strings(names)
	return names, nil
}

func (d *Dir) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

func (d *Dir) lockFor(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

// PeriodKey formats t as the calendar-month partition key, e.g. "2026-09".
// Periods are always resolved in UTC so partition boundaries do not depend
// on the host timezone.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
