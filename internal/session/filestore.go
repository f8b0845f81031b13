package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	keyServerURL = "server_url"
	keyUsername  = "username"
)

// FileStore keeps the identity in a small config file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The extension selects the
// format.
func NewFileStore(path string) (*FileStore, error) {
	if filepath.Ext(path) == "" {
		return nil, fmt.Errorf("session file %q needs an extension such as .yaml or .json", path)
	}
	return &FileStore{path: path}, nil
}

// DefaultPath returns ~/.config/jmapmail/session.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "session.yaml")
	}
	return filepath.Join(home, ".config", "jmapmail", "session.yaml")
}

// Load returns the remembered identity. A missing file is not an error.
func (s *FileStore) Load() (Identity, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound) {
			return Identity{}, nil
		}
		return Identity{}, fmt.Errorf("reading session %s: %w", s.path, err)
	}
	var id Identity
	if err := v.Unmarshal(&id); err != nil {
		return Identity{}, fmt.Errorf("parsing session %s: %w", s.path, err)
	}
	return id, nil
}

// Save writes id, creating parent directories as needed. The file is only
// readable by the owner.
func (s *FileStore) Save(id Identity) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory %s: %w", dir, err)
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	v.Set(keyServerURL, id.ServerURL)
	v.Set(keyUsername, id.Username)
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("writing session to %s: %w", s.path, err)
	}
	return os.Chmod(s.path, 0o600)
}

// Clear removes the file.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session %s: %w", s.path, err)
	}
	return nil
}
