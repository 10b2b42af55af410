package auction

import (
	"context"
	"sync"
)

// Locker provides one critical section per item. Lock blocks until the section is free or
// ctx is done, and returns a function that releases it.
type Locker interface {
	Lock(ctx context.Context, itemID string) (unlock func(), err error)
}

type keySlot struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Waiters on the same key are served in arrival order;
// different keys never wait on each other. Idle keys are dropped.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*keySlot)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slot := m.acquire(key)
	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, slot)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			m.release(key, slot)
		})
	}, nil
}

func (m *KeyedMutex) acquire(key string) *keySlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[key]
	if !ok {
		slot = &keySlot{sem: make(chan struct{}, 1)}
		m.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (m *KeyedMutex) release(key string, slot *keySlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(m.slots, key)
	}
}

// size is the number of keys currently held or waited on.
func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
