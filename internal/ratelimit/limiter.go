// Package ratelimit provides per-user, per-message-type token buckets for
// the WebSocket router.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limit configures one message type's bucket: MaxRequests per
// WindowSeconds, refilled continuously.
type Limit struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Config maps message types to limits. Types without an entry bypass the
// limiter entirely.
type Config struct {
	Limits        map[string]Limit `yaml:"limits"`
	MaxAgeSeconds int              `yaml:"max_age_seconds"`
}

// DefaultConfig returns the default per-type buckets.
func DefaultConfig() Config {
	return Config{
		Limits: map[string]Limit{
			"data.message.send":    {MaxRequests: 10, WindowSeconds: 60},
			"data.response.submit": {MaxRequests: 30, WindowSeconds: 60},
			"data.audit.events":    {MaxRequests: 10, WindowSeconds: 60},
			"data.tool.result":     {MaxRequests: 20, WindowSeconds: 60},
		},
		MaxAgeSeconds: 3600,
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

func newBucket(limit Limit, now time.Time) *bucket {
	capacity := float64(limit.MaxRequests)
	window := float64(limit.WindowSeconds)
	if window <= 0 {
		window = 60
	}
	return &bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: capacity / window,
		lastRefill: now,
		lastUsed:   now,
	}
}

func (b *bucket) take(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.lastUsed = now
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}
	waitSeconds := (1 - b.tokens) / b.refillRate
	return Decision{
		Allowed:      false,
		RetryAfterMs: int64(math.Ceil(waitSeconds * 1000)),
	}
}

func (b *bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastUsed)
}

// Limiter holds the buckets for all (user, message type) pairs.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	config  Config

	stop chan struct{}
	once sync.Once
}

// NewLimiter creates a limiter with the given config, falling back to
// defaults for missing fields.
func NewLimiter(config Config) *Limiter {
	if config.Limits == nil {
		config.Limits = DefaultConfig().Limits
	}
	if config.MaxAgeSeconds <= 0 {
		config.MaxAgeSeconds = DefaultConfig().MaxAgeSeconds
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		config:  config,
		stop:    make(chan struct{}),
	}
}

// Allow consumes one token for the user and message type. Message types
// with no configured limit always pass.
func (l *Limiter) Allow(userID, messageType string) Decision {
	return l.AllowAt(userID, messageType, time.Now())
}

// AllowAt is Allow with an explicit clock, for tests.
func (l *Limiter) AllowAt(userID, messageType string, now time.Time) Decision {
	limit, ok := l.config.Limits[messageType]
	if !ok {
		return Decision{Allowed: true}
	}
	key := userID + "\x00" + messageType

	l.mu.RLock()
	b, exists := l.buckets[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		if b, exists = l.buckets[key]; !exists {
			b = newBucket(limit, now)
			l.buckets[key] = b
		}
		l.mu.Unlock()
	}
	return b.take(now)
}

// StartGC evicts buckets untouched for longer than MaxAgeSeconds, checking
// every interval. Eviction is a memory bound, not a correctness need: a
// fresh bucket starts full.
func (l *Limiter) StartGC(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.evict(time.Now())
			}
		}
	}()
}

// Stop terminates the GC loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) evict(now time.Time) {
	maxAge := time.Duration(l.config.MaxAgeSeconds) * time.Second
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.idleSince(now) > maxAge {
			delete(l.buckets, key)
		}
	}
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
