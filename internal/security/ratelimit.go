package security

import (
	"sync"
	"time"
)

// DefaultRateWindow is the sliding window used when none is configured.
const DefaultRateWindow = time.Hour

// RateLimiter caps actions per identity over a sliding window. Each identity
// has its own bucket and lock; the bucket map lock is held only for lookup.
// State is in memory and resets on restart.
type RateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	buckets map[string]*rateBucket
}

type rateBucket struct {
	mu     sync.Mutex
	stamps []time.Time
	dead   bool
}

// NewRateLimiter creates a limiter allowing maxPerWindow actions per window.
// A non-positive maxPerWindow denies everything.
func NewRateLimiter(maxPerWindow int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		max:     maxPerWindow,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*rateBucket),
	}
}

func (r *RateLimiter) bucket(identity string) *rateBucket {
	r.mu.RLock()
	b, ok := r.buckets[identity]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.buckets[identity]; ok {
		return b
	}
	b = &rateBucket{}
	r.buckets[identity] = b
	return b
}

// CheckAndRecord prunes the identity's window and, if under the cap, records
// one action and allows it. Denials carry the time until the oldest recorded
// action leaves the window.
func (r *RateLimiter) CheckAndRecord(identity string) Decision {
	for {
		b := r.bucket(identity)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		now := r.now()
		b.prune(now, r.window)

		if len(b.stamps) >= r.max {
			retry := r.window
			if len(b.stamps) > 0 {
				retry = r.window - now.Sub(b.stamps[0])
			}
			b.mu.Unlock()
			return DenyRetry("action rate limit exceeded", retry)
		}
		b.stamps = append(b.stamps, now)
		b.mu.Unlock()
		return Allow(CategoryRate)
	}
}

// Remaining returns how many more actions identity may take right now.
func (r *RateLimiter) Remaining(identity string) int {
	r.mu.RLock()
	b, ok := r.buckets[identity]
	r.mu.RUnlock()
	if !ok {
		return max(r.max, 0)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(r.now(), r.window)
	return max(r.max-len(b.stamps), 0)
}

// Sweep drops buckets with no actions left in the window and returns how many
// were removed.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for id, b := range r.buckets {
		b.mu.Lock()
		b.prune(now, r.window)
		if len(b.stamps) == 0 {
			b.dead = true
			delete(r.buckets, id)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

func (b *rateBucket) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(b.stamps) && now.Sub(b.stamps[i]) >= window {
		i++
	}
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}
