package mcp

import (
	"sync"
	"time"
)

const (
	DefaultSessionTTL  = 24 * time.Hour
	DefaultMaxSessions = 10000
)

// sessionStore tracks issued session ids by last use. Idle sessions expire
// after ttl; when max is reached the least recently used one is evicted.
type sessionStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	max  int
	now  func() time.Time
}

func (st *sessionStore) init(ttl time.Duration, max int) {
	if st.seen != nil {
		return
	}
	st.seen = make(map[string]time.Time)
	st.ttl, st.max = ttl, max
	if st.ttl <= 0 {
		st.ttl = DefaultSessionTTL
	}
	if st.max <= 0 {
		st.max = DefaultMaxSessions
	}
	if st.now == nil {
		st.now = time.Now
	}
}

func (st *sessionStore) add(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	st.sweep(now)
	for len(st.seen) >= st.max {
		st.evictOldest()
	}
	st.seen[id] = now
}

// touch reports whether id is live and marks it used.
func (st *sessionStore) touch(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	last, ok := st.seen[id]
	if !ok {
		return false
	}
	if now.Sub(last) >= st.ttl {
		delete(st.seen, id)
		return false
	}
	st.seen[id] = now
	return true
}

// purge drops expired sessions and returns how many were removed.
func (st *sessionStore) purge() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sweep(st.now())
}

func (st *sessionStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.seen)
}

func (st *sessionStore) sweep(now time.Time) int {
	n := 0
	for id, last := range st.seen {
		if now.Sub(last) >= st.ttl {
			delete(st.seen, id)
			n++
		}
	}
	return n
}

func (st *sessionStore) evictOldest() {
	var (
		oldest   string
		oldestAt time.Time
	)
	for id, last := range st.seen {
		if oldest == "" || last.Before(oldestAt) {
			oldest, oldestAt = id, last
		}
	}
	delete(st.seen, oldest)
}
