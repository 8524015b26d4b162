package cache

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// memStore is a Store kept in a map.
type memStore struct {
	mutex *sync.RWMutex
	db    map[string][]byte
}

func newMemStore() memStore {
	return memStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m memStore) Put(key string, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = data
	return nil
}

// Load calls fn in key order.
func (m memStore) Load(fn func(key string, data []byte)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		if data, ok := m.get(key); ok {
			fn(key, data)
		}
	}
	return nil
}

func (m memStore) get(key string) ([]byte, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	data, ok := m.db[key]
	return data, ok
}

func (m memStore) Close() error {
	return nil
}

// flakyStore fails every Put for failKey.
type flakyStore struct {
	memStore
	mutex   *sync.Mutex
	failKey string
}

func newFlakyStore() *flakyStore {
	return &flakyStore{memStore: newMemStore(), mutex: &sync.Mutex{}}
}

func (f *flakyStore) failPutsFor(key string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.failKey = key
}

func (f *flakyStore) Put(key string, data []byte) error {
	f.mutex.Lock()
	fail := key == f.failKey
	f.mutex.Unlock()
	if fail {
		return errors.Errorf("disk full while writing %s", key)
	}
	return f.memStore.Put(key, data)
}
