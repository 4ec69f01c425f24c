package cachestore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout, all segments separated by 0x00:
//
//	c <name>            → JSON cacheMeta (cache exists, next sequence number)
//	k <name> <key>      → decimal sequence number (lookup index)
//	e <name> <seq20>    → JSON entryRecord (seq20 is zero-padded, so lexical
//	                      iteration over the prefix yields insertion order)
const (
	prefixCache = 'c'
	prefixIndex = 'k'
	prefixEntry = 'e'
	keySep      = 0x00
)

type cacheMeta struct {
	NextSeq uint64 `json:"next_seq"`
}

type entryRecord struct {
	Key  string          `json:"key"`
	Resp *StoredResponse `json:"resp"`
}

// LevelDBStore is the persistent Store backend.
type LevelDBStore struct {
	db *leveldb.DB

	// Guards meta/index read-modify-write. Entry values themselves are
	// last-write-wins and need no coordination.
	mu     sync.Mutex
	closed bool
}

// OpenLevelDB opens (or creates) the store at dir.
func OpenLevelDB(dir string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening cache store at %s: %w", dir, err)
	}
	return &LevelDBStore{db: db}, nil
}

// Close closes the underlying database.
func (s *LevelDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func metaKey(name string) []byte {
	return append([]byte{prefixCache, keySep}, name...)
}

func indexKey(name, key string) []byte {
	b := append([]byte{prefixIndex, keySep}, name...)
	b = append(b, keySep)
	return append(b, key...)
}

func entryKey(name string, seq uint64) []byte {
	b := append([]byte{prefixEntry, keySep}, name...)
	b = append(b, keySep)
	return append(b, fmt.Sprintf("%020d", seq)...)
}

func entryPrefix(name string) []byte {
	b := append([]byte{prefixEntry, keySep}, name...)
	return append(b, keySep)
}

func indexPrefix(name string) []byte {
	b := append([]byte{prefixIndex, keySep}, name...)
	return append(b, keySep)
}

// Open returns a handle on the named cache, creating its metadata record if
// this is the first time the name is seen.
func (s *LevelDBStore) Open(name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ok, err := s.db.Has(metaKey(name), nil)
	if err != nil {
		return nil, fmt.Errorf("checking cache %q: %w", name, err)
	}
	if !ok {
		b, _ := json.Marshal(cacheMeta{})
		if err := s.db.Put(metaKey(name), b, nil); err != nil {
			return nil, fmt.Errorf("creating cache %q: %w", name, err)
		}
	}
	return &levelCache{store: s, name: name}, nil
}

// DeleteCache removes the named cache wholesale: metadata, index and every
// entry.
func (s *LevelDBStore) DeleteCache(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	existed, err := s.db.Has(metaKey(name), nil)
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(metaKey(name))
	for _, prefix := range [][]byte{indexPrefix(name), entryPrefix(name)} {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			batch.Delete(k)
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, fmt.Errorf("enumerating cache %q: %w", name, err)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("deleting cache %q: %w", name, err)
	}
	return existed, nil
}

// ListCacheNames returns the names of all caches ever opened and not deleted.
func (s *LevelDBStore) ListCacheNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte{prefixCache, keySep}), nil)
	defer it.Release()
	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[2:]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return names, nil
}

// levelCache is a Cache handle backed by one name prefix in the store.
type levelCache struct {
	store *LevelDBStore
	name  string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(key string) (*StoredResponse, bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.closed {
		return nil, false, ErrStoreClosed
	}
	seq, ok, err := c.seqFor(key)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, err := c.store.db.Get(entryKey(c.name, seq), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading entry: %w", err)
	}
	var rec entryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decoding entry: %w", err)
	}
	return rec.Resp, true, nil
}

func (c *levelCache) Put(key string, resp *StoredResponse) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.closed {
		return ErrStoreClosed
	}
	seq, exists, err := c.seqFor(key)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if !exists {
		meta, err := c.meta()
		if err != nil {
			return err
		}
		seq = meta.NextSeq
		meta.NextSeq++
		mb, _ := json.Marshal(meta)
		batch.Put(metaKey(c.name), mb)
		batch.Put(indexKey(c.name, key), []byte(strconv.FormatUint(seq, 10)))
	}
	rec, err := json.Marshal(entryRecord{Key: key, Resp: resp})
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	batch.Put(entryKey(c.name, seq), rec)
	if err := c.store.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

func (c *levelCache) Delete(key string) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.closed {
		return false, ErrStoreClosed
	}
	seq, ok, err := c.seqFor(key)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(indexKey(c.name, key))
	batch.Delete(entryKey(c.name, seq))
	if err := c.store.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("deleting entry: %w", err)
	}
	return true, nil
}

func (c *levelCache) Keys() ([]string, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.closed {
		return nil, ErrStoreClosed
	}
	it := c.store.db.NewIterator(util.BytesPrefix(entryPrefix(c.name)), nil)
	defer it.Release()
	var keys []string
	for it.Next() {
		var rec entryRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *levelCache) Len() (int, error) {
	keys, err := c.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *levelCache) meta() (cacheMeta, error) {
	raw, err := c.store.db.Get(metaKey(c.name), nil)
	if err == leveldb.ErrNotFound {
		return cacheMeta{}, nil
	}
	if err != nil {
		return cacheMeta{}, fmt.Errorf("reading cache meta: %w", err)
	}
	var meta cacheMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return cacheMeta{}, fmt.Errorf("decoding cache meta: %w", err)
	}
	return meta, nil
}

func (c *levelCache) seqFor(key string) (uint64, bool, error) {
	raw, err := c.store.db.Get(indexKey(c.name, key), nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading index: %w", err)
	}
	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decoding index: %w", err)
	}
	return seq, true, nil
}
