// ABOUTME: Keyed mutual exclusion with context-aware acquisition
// ABOUTME: One logical writer per key; unused keys are released so the map stays small

package locks

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Keyed hands out one exclusive lock per key. Different keys never block
// each other. The zero value is not usable; call New.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty keyed lock set.
func New() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock blocks until the lock for key is held or ctx is done. On success it
// returns the unlock function, which must be called exactly once.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
