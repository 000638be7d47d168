// Package store is the filesystem blob store holding haproxy.cfg and the
// conf.d fragments. Writes replace a file in one rename.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrNotFound marks reads and deletes of a missing file.
var ErrNotFound = errors.New("file not found")

// Blob is the text store the parser and mutator work against.
type Blob interface {
	ReadText(path string) (string, error)
	WriteText(path, content string) error
	ListFiles(dir, suffix string) ([]string, error)
	Exists(path string) bool
	Delete(path string) error
}

// FS implements Blob on the local filesystem.
type FS struct {
	// FileMode for newly created files; 0 means 0o644.
	FileMode os.FileMode
}

var _ Blob = (*FS)(nil)

func NewFS() *FS { return &FS{FileMode: 0o644} }

func (s *FS) ReadText(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Mark(errors.Wrapf(err, "read %s", path), ErrNotFound)
		}
		return "", errors.Wrapf(err, "read %s", path)
	}
	return string(b), nil
}

// WriteText writes through a temp file in the same directory and renames it
// over path, so readers see either the old or the new content.
func (s *FS) WriteText(path, content string) error {
	mode := s.FileMode
	if mode == 0 {
		mode = 0o644
	}
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return errors.Wrapf(err, "chmod %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename into %s", path)
	}
	return nil
}

// ListFiles returns the sorted names of regular files in dir ending in suffix.
// A missing directory is an empty listing.
func (s *FS) ListFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		// symlinked fragments count when they point at a regular file
		if !e.Type().IsRegular() && !s.Exists(filepath.Join(dir, e.Name())) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *FS) Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func (s *FS) Delete(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Mark(errors.Wrapf(err, "delete %s", path), ErrNotFound)
		}
		return errors.Wrapf(err, "delete %s", path)
	}
	return nil
}
