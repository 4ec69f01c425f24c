package cachestore

import "sync"

// MemoryStore is an ephemeral Store used in tests and memory-driver runs.
// Semantics match LevelDBStore: last-write-wins puts, insertion-ordered
// keys, overwrites keep their original position. Cache handles are views
// over the store, so a handle held across DeleteCache reads empty instead
// of resurrecting the dropped contents.
type MemoryStore struct {
	mu     sync.Mutex
	caches map[string]*cacheState
}

// cacheState is the shared backing data for one named cache.
type cacheState struct {
	entries map[string]*StoredResponse
	order   []string // insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{caches: make(map[string]*cacheState)}
}

func (s *MemoryStore) Open(name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		s.caches[name] = &cacheState{entries: make(map[string]*StoredResponse)}
	}
	return &memoryCache{store: s, name: name}, nil
}

func (s *MemoryStore) DeleteCache(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok, nil
}

func (s *MemoryStore) ListCacheNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	return names, nil
}

func (s *MemoryStore) Close() error { return nil }

// memoryCache is a named view over the store. Every operation resolves the
// backing state under the store lock, so deletion of the cache is visible
// to all handles immediately.
type memoryCache struct {
	store *MemoryStore
	name  string
}

func (c *memoryCache) Name() string { return c.name }

// state returns the backing data, creating it when create is set. The
// caller must hold the store lock.
func (c *memoryCache) state(create bool) *cacheState {
	st, ok := c.store.caches[c.name]
	if !ok && create {
		st = &cacheState{entries: make(map[string]*StoredResponse)}
		c.store.caches[c.name] = st
	}
	return st
}

func (c *memoryCache) Match(key string) (*StoredResponse, bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	st := c.state(false)
	if st == nil {
		return nil, false, nil
	}
	resp, ok := st.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (c *memoryCache) Put(key string, resp *StoredResponse) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	st := c.state(true)
	if _, exists := st.entries[key]; !exists {
		st.order = append(st.order, key)
	}
	st.entries[key] = resp.Clone()
	return nil
}

func (c *memoryCache) Delete(key string) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	st := c.state(false)
	if st == nil {
		return false, nil
	}
	if _, ok := st.entries[key]; !ok {
		return false, nil
	}
	delete(st.entries, key)
	for i, k := range st.order {
		if k == key {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (c *memoryCache) Keys() ([]string, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	st := c.state(false)
	if st == nil {
		return nil, nil
	}
	keys := make([]string, len(st.order))
	copy(keys, st.order)
	return keys, nil
}

func (c *memoryCache) Len() (int, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	st := c.state(false)
	if st == nil {
		return 0, nil
	}
	return len(st.entries), nil
}
