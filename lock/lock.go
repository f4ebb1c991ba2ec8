// Package lock provides ledger.Locker implementations: an in-process keyed
// mutex for single-instance deployments and a Redis lock for several
// instances sharing one database.
package lock

import (
	"context"
	"sync"

	"github.com/rodmar/ledger-engine/ledger"
)

// Local is an in-process keyed lock.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock acquires every key in order, waiting until each is free or ctx ends.
func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, key := range keys {
		s := l.acquire(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.drop(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// acquire returns the slot for key, registering interest in it.
func (l *Local) acquire(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unlock(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	<-s.ch
	l.drop(key)
}

// drop releases interest in key and forgets idle slots.
func (l *Local) drop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

var _ ledger.Locker = (*Local)(nil)
