package tokenstore

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/guarzo/fitapi/common"
)

const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
	// LegacyAccessTokenKey is the single key older releases stored the access token under.
	LegacyAccessTokenKey = "token"
)

var _ common.TokenStore = (*Store)(nil)

// Store keeps the credential pair in a CacheRepository. Entries never expire;
// the server decides when a token is no longer valid.
type Store struct {
	mu     sync.RWMutex
	cache  common.CacheRepository
	prefix string
}

// NewStore wraps cache and migrates the legacy key once.
func NewStore(cache common.CacheRepository, prefix string) *Store {
	s := &Store{
		cache:  cache,
		prefix: prefix,
	}
	s.MigrateLegacy()
	return s
}

// NewMemoryStore returns a Store without persistence.
func NewMemoryStore() *Store {
	return NewStore(common.NewCacheStore(0), "")
}

// MigrateLegacy moves a value stored under the legacy key to the canonical
// access token key, unless a canonical value already exists. The legacy key is
// removed in both cases.
func (s *Store) MigrateLegacy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	legacy, found := s.cache.Get(s.key(LegacyAccessTokenKey))
	if !found {
		return
	}
	if current, ok := s.cache.Get(s.key(AccessTokenKey)); !ok || len(current) == 0 {
		if len(legacy) > 0 {
			if err := s.cache.Set(s.key(AccessTokenKey), legacy, 0); err != nil {
				log.Errorf("token store: migrate legacy key [%s]: %s", LegacyAccessTokenKey, err)
				return
			}
			log.Infof("token store: migrated legacy key [%s] to [%s]", LegacyAccessTokenKey, AccessTokenKey)
		}
	}
	s.cache.Delete(s.key(LegacyAccessTokenKey))
}

func (s *Store) AccessToken() string {
	return s.get(AccessTokenKey)
}

func (s *Store) SetAccessToken(token string) {
	s.set(AccessTokenKey, token)
}

func (s *Store) RefreshToken() string {
	return s.get(RefreshTokenKey)
}

func (s *Store) SetRefreshToken(token string) {
	s.set(RefreshTokenKey, token)
}

func (s *Store) ClearTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(s.key(AccessTokenKey))
	s.cache.Delete(s.key(RefreshTokenKey))
}

func (s *Store) get(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, found := s.cache.Get(s.key(name))
	if !found {
		return ""
	}
	return string(value)
}

// An empty token deletes the entry so it reads back as absent. A failed write
// also deletes it: an old token must never outlive its replacement.
func (s *Store) set(name, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		s.cache.Delete(s.key(name))
		return
	}
	if err := s.cache.Set(s.key(name), []byte(token), 0); err != nil {
		log.Errorf("token store: write [%s] failed, dropping the old value: %s", name, err)
		s.cache.Delete(s.key(name))
	}
}

func (s *Store) key(name string) string {
	return s.prefix + name
}
