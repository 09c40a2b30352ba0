package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/document"
)

var (
	// ErrCacheMiss indicates there is no file for the key
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the file does not hold a JSON document
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store maps keys to files below per-API directories.
type Store struct {
	base   string
	dirs   map[api.Name]string
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a store. dirs overrides the directory of individual
// APIs; all others live in {base}/{product}/{api_snake_case}.
func NewStore(base string, dirs map[api.Name]string, logger zerolog.Logger) *Store {
	d := make(map[api.Name]string, len(dirs))
	for name, dir := range dirs {
		if dir != "" {
			d[name] = dir
		}
	}
	return &Store{
		base:   base,
		dirs:   d,
		logger: logger,
		now:    time.Now,
	}
}

// Dir returns the base directory for an API.
func (s *Store) Dir(name api.Name) string {
	if dir, ok := s.dirs[name]; ok {
		return dir
	}
	desc, err := api.Lookup(name)
	if err != nil {
		return filepath.Join(s.base, string(name))
	}
	return filepath.Join(s.base, string(desc.Product), desc.DirName())
}

// Path returns the file path for key.
func (s *Store) Path(key Key) string {
	return filepath.Join(s.Dir(key.API), key.RelPath())
}

// Stat returns the entry for key, or false when no file exists.
func (s *Store) Stat(key Key) (Entry, bool) {
	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Entry{Path: path}, false
	}
	return Entry{Path: path, ModTime: info.ModTime(), Size: info.Size()}, true
}

// Lookup returns the path for key and whether a file there may be served
// under refresh. A missing file is reported as not fresh, never as an error.
func (s *Store) Lookup(key Key, refresh Refresh) (path string, fresh bool) {
	entry, exists := s.Stat(key)
	apiLabel := string(key.API)

	switch {
	case !exists:
		CacheMisses.WithLabelValues(apiLabel).Inc()
		s.logger.Debug().Str("key", key.String()).Msg("Cache miss")
		return entry.Path, false
	case !entry.FreshAt(refresh, s.now()):
		CacheStale.WithLabelValues(apiLabel).Inc()
		s.logger.Debug().
			Str("key", key.String()).
			Dur("age", entry.Age(s.now())).
			Stringer("refresh", refresh).
			Msg("Cache entry stale")
		return entry.Path, false
	default:
		CacheHits.WithLabelValues(apiLabel).Inc()
		s.logger.Debug().Str("key", key.String()).Msg("Cache hit")
		return entry.Path, true
	}
}

// Load reads the document stored for key. It returns ErrCacheMiss when no
// file exists and ErrInvalidEntry when the file is not valid JSON.
func (s *Store) Load(key Key) (*document.Document, error) {
	path := s.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	doc, err := document.Parse(data)
	if err != nil {
		CacheErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, path, err)
	}
	return doc, nil
}

// Save writes doc for key, creating directories as needed. The file is
// written next to its destination and renamed into place.
func (s *Store) Save(key Key, doc *document.Document) error {
	if doc == nil {
		return fmt.Errorf("cache document cannot be nil")
	}

	path := s.Path(key)
	if err := writeAtomic(path, doc.Raw()); err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("write cache file: %w", err)
	}

	CacheWrites.WithLabelValues(string(key.API)).Inc()
	s.logger.Debug().
		Str("key", key.String()).
		Int("bytes", len(doc.Raw())).
		Msg("Cached response")
	return nil
}

// Delete removes the entry for key. Deleting a missing entry is not an error.
func (s *Store) Delete(key Key) error {
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("delete cache file: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
