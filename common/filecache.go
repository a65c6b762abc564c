package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type fileEntry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// fileCache keeps entries in one JSON file so they outlive the process.
// The file is read on every call, so separate invocations see each other's writes.
type fileCache struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileCache returns a CacheRepository persisted at path (mode 0600).
// The file and its directory are created on the first Set.
func NewFileCache(path string) CacheRepository {
	return &fileCache{
		path: path,
		now:  time.Now,
	}
}

// DefaultTokenFile is where the CLI keeps credentials when none is configured.
func DefaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "fitapi", "tokens.json")
}

func (c *fileCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load()
	if err != nil {
		log.Errorf("file cache get [%s]: %s", key, err)
		return nil, false
	}
	entry, found := entries[key]
	if !found || c.expired(entry) {
		return nil, false
	}
	return entry.Value, true
}

func (c *fileCache) Set(key string, value []byte, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load()
	if err != nil {
		return fmt.Errorf("file cache set [%s]: %w", key, err)
	}
	entry := fileEntry{Value: value}
	if expiration > 0 {
		entry.ExpiresAt = c.now().Add(expiration)
	}
	entries[key] = entry
	if err := c.save(entries); err != nil {
		return fmt.Errorf("file cache set [%s]: %w", key, err)
	}
	return nil
}

func (c *fileCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load()
	if err != nil {
		log.Errorf("file cache delete [%s]: %s", key, err)
		return
	}
	if _, found := entries[key]; !found {
		return
	}
	delete(entries, key)
	if err := c.save(entries); err != nil {
		log.Errorf("file cache delete [%s]: %s", key, err)
	}
}

func (c *fileCache) expired(e fileEntry) bool {
	return !e.ExpiresAt.IsZero() && c.now().After(e.ExpiresAt)
}

func (c *fileCache) load() (map[string]fileEntry, error) {
	entries := map[string]fileEntry{}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entries, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.path, err)
	}
	return entries, nil
}

// save writes to a temp file and renames it over the old one.
func (c *fileCache) save(entries map[string]fileEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}
