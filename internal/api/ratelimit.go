package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorTTL       = 10 * time.Minute
	visitorGCLookups = 5000
)

// visitor holds one sender's token bucket and when it was last used.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// senderLimiter is a per-sender token bucket. Idle buckets are evicted opportunistically.
type senderLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

func newSenderLimiter(perMin int) *senderLimiter {
	return &senderLimiter{
		limit:    rate.Limit(float64(perMin) / 60),
		burst:    perMin,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether sender may be handled now, consuming a token if so.
func (l *senderLimiter) Allow(sender string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// GC runs before the lookup so a stale bucket for sender is replaced too.
	l.lookups++
	if l.lookups >= visitorGCLookups {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) >= visitorTTL {
				delete(l.visitors, k)
			}
		}
		l.lookups = 0
	}

	v, ok := l.visitors[sender]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[sender] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
