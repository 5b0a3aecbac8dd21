package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"paygate/pkg/store"
)

// Store deduplicates requests by their replay fingerprint, the pair
// (idempotency_key, request_hash). CheckAndStore returns true exactly
// once per fingerprint within the TTL.
type Store interface {
	CheckAndStore(ctx context.Context, idempotencyKey, requestHash string) (bool, error)
}

func fingerprint(idempotencyKey, requestHash string) string {
	h := sha256.Sum256([]byte(idempotencyKey + "\x00" + requestHash))
	return hex.EncodeToString(h[:])
}

// MemoryStore is the single-instance implementation: a fingerprint to
// expiry map with a background sweeper.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryStore{ttl: ttl, entries: map[string]time.Time{}}
}

func (s *MemoryStore) CheckAndStore(ctx context.Context, idempotencyKey, requestHash string) (bool, error) {
	fp := fingerprint(idempotencyKey, requestHash)
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.entries[fp]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[fp] = now.Add(s.ttl)
	return true, nil
}

// Len reports the live entry count; the sweeper tests lean on it.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, fp)
		}
	}
}

// RunSweeper discards expired fingerprints at half the TTL interval
// until the context is canceled.
func (s *MemoryStore) RunSweeper(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// CacheStore keys fingerprints through the shared cache; TTL expiry is
// handled by the backend, so no sweeper is needed. This is the variant
// a multi-instance deployment points at Redis.
type CacheStore struct {
	cache  store.Cache
	ttl    time.Duration
	prefix string
}

func NewCacheStore(cache store.Cache, ttl time.Duration) *CacheStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CacheStore{cache: cache, ttl: ttl, prefix: "paygate:replay:"}
}

func (s *CacheStore) CheckAndStore(ctx context.Context, idempotencyKey, requestHash string) (bool, error) {
	return s.cache.SetNX(ctx, s.prefix+fingerprint(idempotencyKey, requestHash), "1", s.ttl)
}
