package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter manages per-producer request limits using token bucket algorithm
type RateLimiter struct {
	mu                sync.Mutex
	producerTokens    map[string]int
	producerLastReset map[string]time.Time
	maxPerMin         int
}

// New creates a new RateLimiter
func New(maxPerMin int) *RateLimiter {
	return &RateLimiter{
		producerTokens:    make(map[string]int),
		producerLastReset: make(map[string]time.Time),
		maxPerMin:         maxPerMin,
	}
}

// Allow checks if a producer is allowed to request work
func (rl *RateLimiter) Allow(producerGlobalID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	lastReset, exists := rl.producerLastReset[producerGlobalID]

	// Reset tokens if a minute has passed
	if !exists || now.Sub(lastReset) > time.Minute {
		rl.producerTokens[producerGlobalID] = rl.maxPerMin
		rl.producerLastReset[producerGlobalID] = now
	}

	// Check and consume token
	if rl.producerTokens[producerGlobalID] > 0 {
		rl.producerTokens[producerGlobalID]--
		return true
	}

	return false
}
