// Package storage serves named resources from a directory.
package storage

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when no regular file backs a resource name.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidName is returned for names that escape the root directory.
	ErrInvalidName = errors.New("invalid resource name")
)

// Store resolves resource names to file contents under Root. Contents are
// cached by cleaned name; Invalidate drops the cache after files change.
type Store struct {
	root  string
	cache *lru.Cache
}

// New creates a Store rooted at dir. entries bounds the content cache;
// zero or less disables caching.
func New(dir string, entries int) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "storage root %s", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("storage root %s is not a directory", dir)
	}

	s := &Store{root: dir}
	if entries > 0 {
		s.cache, err = lru.New(entries)
		if err != nil {
			return nil, errors.Wrap(err, "create content cache")
		}
	}
	return s, nil
}

// Root returns the directory resources are served from.
func (s *Store) Root() string {
	return s.root
}

// Lookup returns the contents of the file named by name, a slash separated
// path relative to the root. A leading slash is ignored.
func (s *Store) Lookup(name string) ([]byte, error) {
	rel, err := Clean(name)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(rel); ok {
			return v.([]byte), nil
		}
	}

	full := filepath.Join(s.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, name)
		}
		return nil, errors.Wrapf(err, "stat %s", name)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Wrap(ErrNotFound, name)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}

	if s.cache != nil {
		s.cache.Add(rel, data)
	}
	return data, nil
}

// Invalidate empties the content cache.
func (s *Store) Invalidate() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// Cached returns the number of cached resources.
func (s *Store) Cached() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// Clean normalizes a resource name and rejects names that would leave the
// root, such as "../secret" or an absolute Windows path.
func Clean(name string) (string, error) {
	rel := strings.TrimLeft(path.Clean("/"+name), "/")
	if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) || strings.Contains(name, "\x00") {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return rel, nil
}
