// Package cache persists the last known compute session across daemon
// restarts. One TOML file holds one entry: the server connection and the
// session to reattach. The file is deliberately human-editable; anything
// structurally wrong with it surfaces as ErrMalformed rather than a crash.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/stokehold/stoker/internal/kernels"
)

var (
	// ErrNotFound reports an absent cache file: nothing was ever saved,
	// or the cache was cleared.
	ErrNotFound = errors.New("no cached session")

	// ErrMalformed reports a cache file that exists but cannot be used:
	// bad TOML, missing server URL, or a URL that fails validation.
	ErrMalformed = errors.New("cache file malformed")
)

// Entry is the persisted unit. SessionID may be empty: a server can be
// saved the moment it is provisioned, before its first session starts.
type Entry struct {
	SessionID string             `toml:"session_id"`
	SavedAt   time.Time          `toml:"saved_at"`
	Server    kernels.Connection `toml:"server"`
}

// Store persists connection details between daemon runs.
type Store interface {
	// Save overwrites the cache with the given server and session. The
	// entry is written as a unit; there is no partial update.
	Save(conn kernels.Connection, sessionID string) error

	// Load reads the cached entry. ErrNotFound when nothing is saved,
	// ErrMalformed when the file cannot be trusted.
	Load() (Entry, error)

	// Clear removes the cache. Clearing an absent cache is not an error.
	Clear() error
}

// FileStore is the file-backed Store.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore creates a store writing to the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// DefaultPath places the cache under the user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "stoker", "session.toml"), nil
}

// Path returns the file location backing this store.
func (s *FileStore) Path() string {
	return s.path
}

// Save writes the entry atomically: marshal to a temp file in the same
// directory, fsync, rename over the old cache. The file carries 0600
// because the token lives inside.
func (s *FileStore) Save(conn kernels.Connection, sessionID string) error {
	if conn.IsZero() {
		return errors.New("refusing to cache empty connection")
	}

	entry := Entry{
		SessionID: sessionID,
		SavedAt:   s.now().UTC(),
		Server:    conn,
	}

	data, err := toml.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.toml")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp cache: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

// Load reads and validates the cached entry. Validation re-derives the
// server URL so a hand-edited file gets the same checks as a fresh one.
func (s *FileStore) Load() (Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read cache: %w", err)
	}

	var entry Entry
	if err := toml.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if entry.Server.BaseURL == "" {
		return Entry{}, fmt.Errorf("%w: missing server.base_url", ErrMalformed)
	}

	conn, err := kernels.Derive(entry.Server.BaseURL, entry.Server.Token)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	entry.Server = conn

	return entry, nil
}

// Clear removes the cache file.
func (s *FileStore) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
