package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotExists reports that no data has been persisted yet.
var ErrNotExists = fmt.Errorf("persistence data not exists")

// Store persists a single JSON document.
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// JSONFileStore writes a JSON document with a write-then-rename so readers
// never observe a partial file.
type JSONFileStore struct {
	path string
}

// NewJSONFileStore creates a store backed by the given file path.
func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{path: path}
}

// Path returns the backing file path.
func (s *JSONFileStore) Path() string {
	return s.path
}

// Save marshals data and atomically replaces the backing file.
func (s *JSONFileStore) Save(data interface{}) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load unmarshals the backing file into data. Missing or empty files
// return ErrNotExists.
func (s *JSONFileStore) Load(data interface{}) error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}
