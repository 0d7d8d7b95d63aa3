package jobs

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CacheStore is an in-process [Store] backed by go-cache. Expired entries
// are purged by the cache's janitor.
type CacheStore struct {
	cache *cache.Cache
}

var _ Store = (*CacheStore)(nil)

// NewCacheStore returns a CacheStore whose entries expire after ttl. A
// non-positive ttl selects [DefaultTTL].
func NewCacheStore(ttl time.Duration) *CacheStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CacheStore{cache: cache.New(ttl, ttl*2)}
}

// Put implements [Store].
func (s *CacheStore) Put(_ context.Context, job Job) error {
	s.cache.Set(key(job.OwnerID, job.ConversationID), job, cache.DefaultExpiration)
	return nil
}

// Get implements [Store].
func (s *CacheStore) Get(_ context.Context, ownerID, conversationID string) (Job, error) {
	if v, found := s.cache.Get(key(ownerID, conversationID)); found {
		if job, ok := v.(Job); ok {
			return job, nil
		}
	}
	return Job{}, ErrNotFound
}

// Delete implements [Store].
func (s *CacheStore) Delete(_ context.Context, ownerID, conversationID string) error {
	s.cache.Delete(key(ownerID, conversationID))
	return nil
}

// Len returns the number of unexpired pending jobs.
func (s *CacheStore) Len() int {
	return s.cache.ItemCount()
}
