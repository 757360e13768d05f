package internal

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// RateLimiter allows at most limit hits per key inside a sliding window.
// It is safe for concurrent use; HTTP handlers key it by origin. A key is
// forgotten one window after its last accepted hit.
type RateLimiter struct {
	mu     sync.Mutex
	hits   *cache.Cache
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   cache.New(window, 2*window),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	windowStart := now.Add(-r.window)
	var slice []time.Time
	if cached, ok := r.hits.Get(key); ok {
		slice = cached.([]time.Time)
	}
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	slice = slice[:idx]
	if len(slice) >= r.limit {
		return false
	}
	r.hits.Set(key, append(slice, now), cache.DefaultExpiration)
	return true
}
