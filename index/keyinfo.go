package index

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const keySeparator = "\x00"

// StoreInvalidator is implemented by retrievers that cache per-store metadata
type StoreInvalidator interface {
	Invalidate(store string)
}

// CachedRetriever memoizes lookups of another retriever in a bounded LRU.
// Misses are not cached so a key registered later becomes visible.
type CachedRetriever struct {
	base  KeyInformationRetriever
	cache *lru.Cache[string, KeyInformation]
}

// NewCachedRetriever wraps base with an LRU of the given size
func NewCachedRetriever(base KeyInformationRetriever, size int) (*CachedRetriever, error) {
	if base == nil {
		return nil, fmt.Errorf("base key information retriever is required")
	}

	cache, err := lru.New[string, KeyInformation](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create key information cache: %w", err)
	}

	return &CachedRetriever{base: base, cache: cache}, nil
}

// Get returns cached information or consults the base retriever
func (r *CachedRetriever) Get(store, key string) (KeyInformation, bool) {
	cacheKey := store + keySeparator + key
	if info, ok := r.cache.Get(cacheKey); ok {
		return info, true
	}

	info, ok := r.base.Get(store, key)
	if ok {
		r.cache.Add(cacheKey, info)
	}
	return info, ok
}

// Invalidate drops every cached entry of a store
func (r *CachedRetriever) Invalidate(store string) {
	prefix := store + keySeparator
	for _, k := range r.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			r.cache.Remove(k)
		}
	}
}

// Len returns the number of cached entries
func (r *CachedRetriever) Len() int {
	return r.cache.Len()
}
