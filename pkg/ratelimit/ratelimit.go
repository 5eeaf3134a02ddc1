package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Priority biases how long a waiter sleeps when the bucket is empty.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) factor() float64 {
	switch p {
	case PriorityHigh:
		return 0.9
	case PriorityLow:
		return 1.2
	default:
		return 1.0
	}
}

// Stats is a snapshot of bucket counters.
type Stats struct {
	TotalRequests     int64
	ThrottledRequests int64
	CurrentTokens     float64
}

// TokenBucket is a fractional-rate token bucket. SP-API order listing
// refills at well under one token per second, so tokens are tracked as
// float64 rather than integers.
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	totalRequests     int64
	throttledRequests int64

	mu sync.Mutex
}

// NewTokenBucket creates a full bucket with the given burst capacity and
// per-second refill rate.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refill must be called with the mutex held.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Acquire blocks until a token is available, then consumes it. The sleep
// for an empty bucket is (1-tokens)/rate scaled by priority. Cancellation
// of ctx aborts the wait.
func (tb *TokenBucket) Acquire(ctx context.Context, priority Priority) error {
	for {
		tb.mu.Lock()
		tb.refill()
		tb.totalRequests++
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration(0)
		if tb.refillRate > 0 {
			seconds := (1 - tb.tokens) / tb.refillRate * priority.factor()
			wait = time.Duration(seconds * float64(time.Second))
		}
		tb.totalRequests--
		tb.throttledRequests++
		tb.mu.Unlock()

		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Allow consumes a token without blocking; reports whether one was taken.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	tb.totalRequests++
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	tb.throttledRequests++
	return false
}

// WaitTime estimates how long until the next token is available.
func (tb *TokenBucket) WaitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 || tb.refillRate <= 0 {
		return 0
	}
	seconds := (1 - tb.tokens) / tb.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Stats returns a snapshot of the counters.
func (tb *TokenBucket) Stats() Stats {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return Stats{
		TotalRequests:     tb.totalRequests,
		ThrottledRequests: tb.throttledRequests,
		CurrentTokens:     tb.tokens,
	}
}

// Endpoint classes of the SP-API orders namespace.
const (
	EndpointOrders     = "orders"
	EndpointOrderItems = "orderItems"
)

// SP-API published defaults for the orders namespace.
const (
	OrdersRate      = 0.0167
	OrdersBurst     = 20
	OrderItemsRate  = 0.5
	OrderItemsBurst = 30
)

// Manager owns one bucket per endpoint class.
type Manager struct {
	limiters map[string]*TokenBucket
	mu       sync.RWMutex
}

// NewManager creates a manager pre-populated with the orders and
// order-items buckets.
func NewManager() *Manager {
	return &Manager{
		limiters: map[string]*TokenBucket{
			EndpointOrders:     NewTokenBucket(OrdersBurst, OrdersRate),
			EndpointOrderItems: NewTokenBucket(OrderItemsBurst, OrderItemsRate),
		},
	}
}

// Limiter returns the bucket for an endpoint class, creating a
// conservative one for unknown classes.
func (m *Manager) Limiter(endpoint string) *TokenBucket {
	m.mu.RLock()
	tb, ok := m.limiters[endpoint]
	m.mu.RUnlock()
	if ok {
		return tb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tb, ok = m.limiters[endpoint]; ok {
		return tb
	}
	tb = NewTokenBucket(1, 0.1)
	m.limiters[endpoint] = tb
	return tb
}

// Acquire blocks on the endpoint's bucket.
func (m *Manager) Acquire(ctx context.Context, endpoint string, priority Priority) error {
	return m.Limiter(endpoint).Acquire(ctx, priority)
}

// WaitTime reports the endpoint bucket's estimated wait.
func (m *Manager) WaitTime(endpoint string) time.Duration {
	return m.Limiter(endpoint).WaitTime()
}

// Stats reports counters for every bucket.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.limiters))
	for name, tb := range m.limiters {
		out[name] = tb.Stats()
	}
	return out
}
