package accounts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultCacheMaxEntries = 10_000
	defaultCacheTTL        = time.Minute
)

var errMissingBackingStore = errors.New("accounts: backing store is required")

// CachedStoreConfig configures the read-through cache placed in front of a Store.
type CachedStoreConfig struct {
	Backing    Store
	TTL        time.Duration
	MaxEntries int64
}

// CachedStore serves point lookups from an in-process ristretto cache and delegates everything else.
type CachedStore struct {
	backing Store
	cache   *ristretto.Cache[string, LinkedAccount]
	ttl     time.Duration
	// fill holds cache fills (read lock) and save invalidations (write lock) apart so a
	// lookup that raced a relink can never repopulate the cache with the replaced record.
	fill sync.RWMutex
}

// NewCachedStore constructs a cached store. Close releases the cache goroutines.
func NewCachedStore(cfg CachedStoreConfig) (*CachedStore, error) {
	if cfg.Backing == nil {
		return nil, errMissingBackingStore
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, LinkedAccount]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedStore{backing: cfg.Backing, cache: cache, ttl: ttl}, nil
}

func (s *CachedStore) Save(ctx context.Context, account LinkedAccount) error {
	s.fill.Lock()
	defer s.fill.Unlock()
	if err := s.backing.Save(ctx, account); err != nil {
		return err
	}
	s.cache.Del(cacheKey(account.UserID, account.Provider))
	return nil
}

func (s *CachedStore) Get(ctx context.Context, userID, provider string) (LinkedAccount, bool, error) {
	key := cacheKey(userID, provider)
	if cached, ok := s.cache.Get(key); ok {
		return cached.clone(), true, nil
	}

	s.fill.RLock()
	defer s.fill.RUnlock()
	account, ok, err := s.backing.Get(ctx, userID, provider)
	if err != nil || !ok {
		return account, ok, err
	}
	s.cache.SetWithTTL(key, account.clone(), 1, s.ttl)
	return account, true, nil
}

func (s *CachedStore) ListForUser(ctx context.Context, userID string) ([]LinkedAccount, error) {
	return s.backing.ListForUser(ctx, userID)
}

// Close stops the cache's background workers.
func (s *CachedStore) Close() {
	s.cache.Close()
}

func cacheKey(userID, provider string) string {
	return userID + "\x00" + provider
}
