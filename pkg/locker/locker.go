package locker

import "sync"

// UserLocks serializes mutating container operations per username.
// Different usernames proceed concurrently. Entries are reference-counted
// and evicted once no caller holds or waits on them, so the map stays
// bounded by the number of in-flight operations.
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty lock map.
func New() *UserLocks {
	return &UserLocks{locks: make(map[string]*entry)}
}

// Lock acquires the lock for username, blocking until available.
func (l *UserLocks) Lock(username string) {
	l.mu.Lock()
	e, ok := l.locks[username]
	if !ok {
		e = &entry{}
		l.locks[username] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for username and evicts the entry when no
// other caller is waiting.
func (l *UserLocks) Unlock(username string) {
	l.mu.Lock()
	e, ok := l.locks[username]
	if !ok {
		l.mu.Unlock()
		panic("locker: unlock of unheld user lock " + username)
	}
	e.refs--
	if e.refs == 0 {
		delete(l.locks, username)
	}
	l.mu.Unlock()

	e.mu.Unlock()
}

// WithLock runs fn while holding the user's lock.
func (l *UserLocks) WithLock(username string, fn func() error) error {
	l.Lock(username)
	defer l.Unlock(username)
	return fn()
}

// Outstanding returns the number of live entries. Used by tests.
func (l *UserLocks) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
