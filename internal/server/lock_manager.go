// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"sync"
)

// LockManager provides exclusive access to a keyed resource, such as the
// source chain of one author. Commits from different goroutines of the same
// node serialize here before they race on the head check in the database.
type LockManager interface {
	// Lock waits for exclusive access to 'key' or for ctx to be done.
	Lock(ctx context.Context, key interface{}) error

	// TryLock takes the lock only if it's free.
	TryLock(key interface{}) bool

	// Unlock releases the lock on 'key'.
	Unlock(key interface{})
}

// FineGrainedLock implements LockManager with one channel per held key.
type FineGrainedLock struct {
	// Protects things.
	lock sync.Mutex

	// Holds lock state. If present, the key is locked and the channel is
	// closed when it's unlocked.
	things map[interface{}]chan struct{}
}

// NewFineGrainedLock creates a new FineGrainedLock.
func NewFineGrainedLock() LockManager {
	return &FineGrainedLock{things: make(map[interface{}]chan struct{})}
}

// Lock implements LockManager.
func (f *FineGrainedLock) Lock(ctx context.Context, key interface{}) error {
	for {
		f.lock.Lock()
		wait, held := f.things[key]
		if !held {
			f.things[key] = make(chan struct{})
			f.lock.Unlock()
			return nil
		}
		f.lock.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryLock implements LockManager.
func (f *FineGrainedLock) TryLock(key interface{}) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, held := f.things[key]; held {
		return false
	}
	f.things[key] = make(chan struct{})
	return true
}

// Unlock implements LockManager.
func (f *FineGrainedLock) Unlock(key interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	wait, held := f.things[key]
	if !held {
		panic("wasn't locked!")
	}
	delete(f.things, key)
	close(wait)
}
