package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// FileName is the single cache file inside the cache directory.
const FileName = "script_cache.json"

// Store persists the whole cache map.
type Store interface {
	Load() (map[string]Entry, error)
	Save(map[string]Entry) error
}

// FileStore keeps the cache in one JSON file, replaced atomically on save.
type FileStore struct {
	path string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, FileName)}
}

func (s *FileStore) Path() string { return s.path }

// Load returns an empty map when the file does not exist.
func (s *FileStore) Load() (map[string]Entry, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "read cache file %s", s.path)
	}
	m, err := unmarshalEntries(b)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse cache file %s", s.path)
	}
	return m, nil
}

// Save writes to a temp file in the same directory, syncs, then renames.
func (s *FileStore) Save(m map[string]Entry) error {
	b, err := marshalEntries(m)
	if err != nil {
		return xerrors.Wrap(err, "encode cache")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Wrapf(err, "create cache dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return xerrors.Wrap(err, "create temp cache file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return xerrors.Wrap(err, "write temp cache file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return xerrors.Wrap(err, "sync temp cache file")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(err, "close temp cache file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return xerrors.Wrapf(err, "replace cache file %s", s.path)
	}
	return nil
}

// MemStore is an in-memory Store for tests and ephemeral runs.
type MemStore struct {
	mu    sync.Mutex
	m     map[string]Entry
	saves int
	err   error
}

func NewMemStore() *MemStore { return &MemStore{m: map[string]Entry{}} }

func (s *MemStore) Load() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) Save(m map[string]Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.m = make(map[string]Entry, len(m))
	for k, v := range m {
		s.m[k] = v
	}
	s.saves++
	return nil
}

// Saves reports how many successful saves happened.
func (s *MemStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// FailSaves makes subsequent saves return err.
func (s *MemStore) FailSaves(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
