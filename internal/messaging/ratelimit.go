package messaging

import (
	"sync"
	"time"
)

// senderLimiter caps how many messages a user may send per window. One token
// bucket per sender, refilled a token at a time.
type senderLimiter struct {
	mu       sync.Mutex
	buckets  map[int64]*tokenBucket
	capacity int
	window   time.Duration
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

func newSenderLimiter(perWindow int, window time.Duration) *senderLimiter {
	return &senderLimiter{
		buckets:  make(map[int64]*tokenBucket),
		capacity: perWindow,
		window:   window,
	}
}

// allow consumes a token for the sender if one is available; otherwise it
// reports how long to wait for the next one.
func (l *senderLimiter) allow(userID int64) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	refillEvery := l.window / time.Duration(l.capacity)

	b, ok := l.buckets[userID]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[userID] = b
	}

	if refill := int(now.Sub(b.lastRefill) / refillEvery); refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	return false, refillEvery - now.Sub(b.lastRefill)
}
