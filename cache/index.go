package cache

import "sync/atomic"

// index maps cache keys to encoded entries.
// Readers load the current snapshot without locking; the single writer
// builds a new map from the previous one and swaps it in atomically.
// A published map is never modified.
type index struct {
	snapshot atomic.Pointer[map[string][]byte]
}

func newIndex(initial map[string][]byte) *index {
	if initial == nil {
		initial = make(map[string][]byte)
	}
	i := &index{}
	i.snapshot.Store(&initial)
	return i
}

func (i *index) get(key string) ([]byte, bool) {
	data, ok := (*i.snapshot.Load())[key]
	return data, ok
}

func (i *index) len() int {
	return len(*i.snapshot.Load())
}

// publish makes the updates visible to readers.
// It must only be called from the persistence worker.
func (i *index) publish(updates map[string][]byte) {
	if len(updates) == 0 {
		return
	}
	prev := *i.snapshot.Load()
	next := make(map[string][]byte, len(prev)+len(updates))
	for key, data := range prev {
		next[key] = data
	}
	for key, data := range updates {
		next[key] = data
	}
	i.snapshot.Store(&next)
}
