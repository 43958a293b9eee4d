package identity

import "github.com/sasha-s/go-deadlock"

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    deadlock.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   deadlock.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
