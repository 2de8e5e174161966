package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// BodyCache is a bounded in-memory LRU of fetched raw message bodies,
// keyed by body locator. Bodies are large and immutable, so they are
// not persisted in SQLite; a miss simply refetches from the backend.
type BodyCache struct {
	lru *lru.Cache[string, []byte]
}

// NewBodyCache returns a body cache holding at most size bodies.
func NewBodyCache(size int) (*BodyCache, error) {
	if size <= 0 {
		size = 128
	}
	l, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &BodyCache{lru: l}, nil
}

// Get returns the cached body for locator, if present.
func (b *BodyCache) Get(locator string) ([]byte, bool) {
	return b.lru.Get(locator)
}

// Put stores a fetched body.
func (b *BodyCache) Put(locator string, body []byte) {
	b.lru.Add(locator, body)
}

// Len returns the number of cached bodies.
func (b *BodyCache) Len() int {
	return b.lru.Len()
}
