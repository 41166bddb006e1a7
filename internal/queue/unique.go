package queue

import (
	"sync"
	"time"
)

// uniqueTracker suppresses duplicate dispatch for a bounded window per key.
type uniqueTracker struct {
	mu     sync.Mutex
	claims map[string]time.Time // key -> window expiry
}

func newUniqueTracker() *uniqueTracker {
	return &uniqueTracker{claims: make(map[string]time.Time)}
}

// claim reports whether the key was free and, if so, reserves it for the
// window. Expired entries are pruned opportunistically.
func (u *uniqueTracker) claim(key string, window time.Duration) bool {
	if window <= 0 {
		return true
	}

	now := time.Now()

	u.mu.Lock()
	defer u.mu.Unlock()

	if expiry, ok := u.claims[key]; ok && now.Before(expiry) {
		return false
	}
	u.claims[key] = now.Add(window)

	if len(u.claims) > 1024 {
		for k, expiry := range u.claims {
			if now.After(expiry) {
				delete(u.claims, k)
			}
		}
	}
	return true
}
