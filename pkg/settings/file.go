package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileVersion is the current version of the settings file format.
const FileVersion = 1

type fileDocument struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Values  map[string]string `json:"values"`
}

// FileStore keeps all settings in a single JSON file. The whole document is
// loaded on open and rewritten on every change.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// OpenFileStore loads path, starting empty when the file does not exist.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Values != nil {
		s.values = doc.Values
	}
	return s, nil
}

// Path returns the file backing the store.
func (s *FileStore) Path() string {
	return s.path
}

// Get implements Store.
func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set implements Store.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.values[key]; ok && old == value {
		return nil
	}
	s.values[key] = value
	return s.save()
}

// Delete implements Store.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.save()
}

// Keys implements Store.
func (s *FileStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return matchingKeys(s.values, prefix), nil
}

// save writes the document to a temporary file and renames it into place.
// Caller holds s.mu.
func (s *FileStore) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(fileDocument{
		Version: FileVersion,
		SavedAt: time.Now(),
		Values:  s.values,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
