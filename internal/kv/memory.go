package kv

import (
	"sort"
	"strings"
	"sync"
)

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an in-memory Store. Values are copied on write and read
// so callers cannot alias the internal map.
func NewMemory() Store {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *memoryStore) Set(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = stored
	return nil
}

func (s *memoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) List(prefix string, fn func(key string, value []byte) error) error {
	// Snapshot under the read lock, then call fn outside it so fn may use
	// the store.
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v := s.data[k]
		out := make([]byte, len(v))
		copy(out, v)
		values[k] = out
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if err := fn(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
