package alarm

import (
	"sync"

	"sensorwatch/internal/storage"
)

// keySet tracks the pending keys that have an evaluation or dispatch in
// flight. A key is held from the moment it is acquired until its dispatch
// callback has finished writing the outcome.
type keySet struct {
	mu   sync.Mutex
	keys map[storage.PendingKey]struct{}
}

func newKeySet() *keySet {
	return &keySet{keys: make(map[storage.PendingKey]struct{})}
}

// TryAcquire marks key as busy. It returns false if the key is already held.
func (k *keySet) TryAcquire(key storage.PendingKey) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, busy := k.keys[key]; busy {
		return false
	}
	k.keys[key] = struct{}{}
	return true
}

// Release frees key
func (k *keySet) Release(key storage.PendingKey) {
	k.mu.Lock()
	delete(k.keys, key)
	k.mu.Unlock()
}

// Len returns the number of keys held
func (k *keySet) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
