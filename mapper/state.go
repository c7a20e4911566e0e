package mapper

import "sync"

// moduleCache is the mapped-module cache keyed on pathresolve.CacheKey(path).
// Its defining invariant ("cycle closure") is that the Layout Engine
// writes a module's cache entry *before* the Import Linker
// recurses into that module's own imports, so a cyclic import graph (A
// imports B, B imports A) terminates: by the time B's import fixup asks
// "is A already mapped?", the answer is yes, even though A's own imports
// haven't finished resolving yet.
type moduleCache struct {
	mu      sync.Mutex
	entries map[string]uint64
}

func newModuleCache() *moduleCache {
	return &moduleCache{entries: make(map[string]uint64)}
}

// lookup returns the remote base already recorded for key, if any.
func (c *moduleCache) lookup(key string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base, ok := c.entries[key]
	return base, ok
}

// register records a module's remote base. It must be called before the
// caller recurses into that module's own import fixups.
func (c *moduleCache) register(key string, remoteBase uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = remoteBase
}
