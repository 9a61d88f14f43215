package stream

import (
	"math"
	"sync"
	"time"
)

// tokenBucket is a classic token-bucket rate gate: capacity tokens
// available up front, refilled continuously at refillPerSec, each TryTake
// consuming one.
type tokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

func newTokenBucket(capacity, refillPerSec float64) *tokenBucket {
	return &tokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPerSec: refillPerSec,
		last:         time.Now(),
	}
}

// TryTake refills based on elapsed time, then takes one token if available.
func (b *tokenBucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
