package snapshot

import "sync"

// ProgramCache stores compiled expression programs keyed by expression strings.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// WithProgramCache registers a program cache for expression criteria.
func WithProgramCache(cache ProgramCache) Option {
	return func(cfg *config) {
		cfg.programCache = cache
	}
}

// MapProgramCache is an unbounded ProgramCache safe for concurrent use.
type MapProgramCache struct {
	entries sync.Map
}

// NewMapProgramCache returns an empty MapProgramCache.
func NewMapProgramCache() *MapProgramCache {
	return &MapProgramCache{}
}

// Get implements ProgramCache.
func (c *MapProgramCache) Get(key string) (any, bool) {
	return c.entries.Load(key)
}

// Set implements ProgramCache.
func (c *MapProgramCache) Set(key string, value any) {
	c.entries.Store(key, value)
}

// scopedProgramCache namespaces keys so programs compiled with one store's
// bound helpers are never served to another store sharing the cache.
type scopedProgramCache struct {
	cache  ProgramCache
	prefix string
}

func (c scopedProgramCache) Get(key string) (any, bool) {
	return c.cache.Get(c.prefix + key)
}

func (c scopedProgramCache) Set(key string, value any) {
	c.cache.Set(c.prefix+key, value)
}
