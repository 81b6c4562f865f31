package app

import "sync"

// sessionLocks hands out one mutex per session so transitions on the same
// session serialize while different sessions proceed independently.
// Entries are reference counted; an entry marked forgotten is removed once
// its last holder or waiter releases it.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu     sync.Mutex
	seq    uint64 // guarded by mu
	forget bool   // guarded by mu
	refs   int    // guarded by sessionLocks.mu
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire returns the session's lock, held.
func (l *sessionLocks) acquire(sessionID string) *sessionLock {
	l.mu.Lock()
	lk, ok := l.locks[sessionID]
	if !ok {
		lk = &sessionLock{}
		l.locks[sessionID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return lk
}

// release unlocks lk and drops its entry when it is forgotten and unused.
func (l *sessionLocks) release(sessionID string, lk *sessionLock) {
	forget := lk.forget
	lk.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if forget && lk.refs == 0 && l.locks[sessionID] == lk {
		delete(l.locks, sessionID)
	}
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// next returns the following event sequence number; callers hold lk.mu.
func (lk *sessionLock) next() uint64 {
	lk.seq++
	return lk.seq
}
