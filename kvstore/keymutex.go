// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvstore

import "sync"

// KeyMutex serializes work per key: at most one holder per key at a
// time, independent keys in parallel. This is what makes each persisted
// actor single-writer.
type KeyMutex struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyMutex returns an empty lock table.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{held: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns the release function.
func (km *KeyMutex) Lock(key string) func() {
	km.mu.Lock()
	kl, ok := km.held[key]
	if !ok {
		kl = &keyLock{}
		km.held[key] = kl
	}
	kl.refs++
	km.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()
		km.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(km.held, key)
		}
		km.mu.Unlock()
	}
}
