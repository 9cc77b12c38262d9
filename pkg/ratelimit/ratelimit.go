// Package ratelimit provides token-bucket rate limiting for outbound
// evaluation requests. It uses a memory-based implementation suitable
// for single-instance deployments.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
// Tokens are added at a fixed rate until the bucket is full.
// Each request consumes one token; requests are denied when the bucket
// is empty.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// maxTokens is the maximum number of tokens the bucket can hold.
// refillInterval is how often to add one token to the bucket.
//
// Example: NewTokenBucket(100, 10*time.Millisecond) allows 100 requests
// per second, with burst capacity of up to 100 requests.
func NewTokenBucket(maxTokens int, refillInterval time.Duration) *TokenBucket {
	if maxTokens <= 0 || refillInterval <= 0 {
		maxTokens = 1
		refillInterval = time.Second
	}
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillInterval,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request should be allowed.
// It returns true if the request is allowed, false otherwise.
func (tb *TokenBucket) Allow() bool {
	allowed, _ := tb.AllowWithRetryAfter()
	return allowed
}

// AllowWithRetryAfter checks if a request should be allowed and returns
// a retry-after duration. If allowed, retryAfter is 0. If denied,
// retryAfter indicates time until the next token becomes available.
func (tb *TokenBucket) AllowWithRetryAfter() (allowed bool, retryAfter time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	if elapsed >= tb.refillRate {
		tokensToAdd := int(elapsed / tb.refillRate)
		tb.tokens += tokensToAdd
		if tb.tokens > tb.maxTokens {
			tb.tokens = tb.maxTokens
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true, 0
	}

	retryAfter = tb.refillRate - now.Sub(tb.lastRefill)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter
}

// Wait blocks until a token is available, polling with the retry-after
// hint returned by the bucket.
func (tb *TokenBucket) Wait() {
	for {
		allowed, retryAfter := tb.AllowWithRetryAfter()
		if allowed {
			return
		}
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		time.Sleep(retryAfter)
	}
}
