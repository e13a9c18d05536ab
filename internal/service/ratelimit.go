package service

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Limiters is a bounded collection of token buckets keyed by caller scope
// (IP, user, device+conversation). Cold keys cycle out via LRU; a key that
// re-enters starts with a full bucket, which briefly over-admits rather
// than over-blocks.
type Limiters struct {
	buckets *lru.Cache[string, *rate.Limiter]
	qps     rate.Limit
	burst   int
}

func NewLimiters(size int, qps float64, burst int) *Limiters {
	if size < 1 {
		size = 1
	}
	cache, _ := lru.New[string, *rate.Limiter](size)
	return &Limiters{buckets: cache, qps: rate.Limit(qps), burst: burst}
}

// Allow consumes one token from key's bucket. Unlimited when qps <= 0.
func (l *Limiters) Allow(key string) bool {
	if l.qps <= 0 {
		return true
	}
	lim, ok := l.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.qps, l.burst)
		if prev, loaded, _ := l.buckets.PeekOrAdd(key, lim); loaded {
			lim = prev
		}
	}
	return lim.Allow()
}
