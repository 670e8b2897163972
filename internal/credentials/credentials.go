package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned by a Store when no value exists for the
// requested service name.
var ErrNotFound = errors.New("credentials: not found")

// Bundle is the credential set obtained from enrollment or refresh.
// It is persisted as a whole; a partially populated bundle is never
// written to the store.
type Bundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AgentID      string    `json:"agent_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store is the secure key-value persistence consumed by the Manager.
// Implementations vary per platform (keychain, DPAPI, file); the
// contract is opaque string storage keyed by service name.
type Store interface {
	Get(service string) (string, error)
	Set(service, value string) error
	Delete(service string) error
}

// FileStore persists credentials as restrictive-permission files under a
// single directory, one file per service name.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(service string) string {
	return filepath.Join(s.dir, service+".json")
}

// Get reads the stored value for the service name
func (s *FileStore) Get(service string) (string, error) {
	data, err := os.ReadFile(s.path(service))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read credentials file: %w", err)
	}
	return string(data), nil
}

// Set writes the value with owner-only permissions, creating the parent
// directory if needed
func (s *FileStore) Set(service, value string) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", s.dir, err)
	}

	if err := os.WriteFile(s.path(service), []byte(value), 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}

	return nil
}

// Delete removes the stored value; deleting a missing value is not an error
func (s *FileStore) Delete(service string) error {
	if err := os.Remove(s.path(service)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credentials file: %w", err)
	}
	return nil
}
