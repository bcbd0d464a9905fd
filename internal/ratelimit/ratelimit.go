package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies a logical endpoint class with its own quota.
type Class string

const (
	// AmazonCatalog covers getCatalogItem (official 0.5s, 40% safety).
	AmazonCatalog Class = "amazon_catalog"
	// AmazonOffersBatch covers getItemOffersBatch (official 10s, 20% safety).
	AmazonOffersBatch Class = "amazon_offers_batch"
	// AmazonPricing covers the optional getPricingForAsins path.
	AmazonPricing Class = "amazon_pricing"
	// BaseWrite covers all BASE mutating endpoints.
	BaseWrite Class = "base_write"
)

// DefaultIntervals are the enforced minimum intervals per endpoint class.
var DefaultIntervals = map[Class]time.Duration{
	AmazonCatalog:     700 * time.Millisecond,
	AmazonOffersBatch: 12 * time.Second,
	AmazonPricing:     2500 * time.Millisecond,
	BaseWrite:         100 * time.Millisecond,
}

// Limiter enforces a minimum interval between calls per endpoint class.
// Waits are cancellable through the context; a cancelled wait reports false
// and the caller must abort its current batch.
type Limiter struct {
	mu       sync.Mutex
	limiters map[Class]*rate.Limiter
}

// New creates a Limiter with the default intervals, applying any overrides.
func New(overrides map[Class]time.Duration) *Limiter {
	l := &Limiter{limiters: make(map[Class]*rate.Limiter)}
	for class, iv := range DefaultIntervals {
		l.limiters[class] = rate.NewLimiter(rate.Every(iv), 1)
	}
	for class, iv := range overrides {
		if iv > 0 {
			l.limiters[class] = rate.NewLimiter(rate.Every(iv), 1)
		}
	}
	return l
}

// Wait blocks until the class quota allows another call, or until ctx is
// cancelled. Returns true when the wait completed and the call may proceed.
func (l *Limiter) Wait(ctx context.Context, class Class) bool {
	l.mu.Lock()
	lim, ok := l.limiters[class]
	l.mu.Unlock()
	if !ok {
		return ctx.Err() == nil
	}
	return lim.Wait(ctx) == nil
}

// SetInterval replaces the minimum interval for a class.
func (l *Limiter) SetInterval(class Class, iv time.Duration) {
	if iv <= 0 {
		return
	}
	l.mu.Lock()
	l.limiters[class] = rate.NewLimiter(rate.Every(iv), 1)
	l.mu.Unlock()
}

// QuotaCounter tracks QuotaExceeded observations. The first observation in a
// client lifetime fires the callback exactly once; all observations count.
type QuotaCounter struct {
	once  sync.Once
	count atomic.Int64
	first func()
}

// NewQuotaCounter creates a counter that invokes onFirst on the first
// observation. onFirst may be nil.
func NewQuotaCounter(onFirst func()) *QuotaCounter {
	return &QuotaCounter{first: onFirst}
}

// Observe records one QuotaExceeded occurrence.
func (q *QuotaCounter) Observe() {
	q.count.Add(1)
	if q.first != nil {
		q.once.Do(q.first)
	}
}

// Count returns the total observations so far.
func (q *QuotaCounter) Count() int64 {
	return q.count.Load()
}
