package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an owner's limiter survives without use.
const idleLimiterTTL = 30 * time.Minute

// Limited throttles a [Notifier] per owner with a token bucket. Owners
// that stay quiet for a while have their bucket evicted, so memory stays
// proportional to the number of recently active owners.
type Limited struct {
	next  Notifier
	every rate.Limit
	burst int

	mu       sync.Mutex
	limiters *cache.Cache
}

var _ Notifier = (*Limited)(nil)

// NewLimited allows each owner at most burst notifications at once and one
// more every interval after that.
func NewLimited(next Notifier, interval time.Duration, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limited{
		next:     next,
		every:    limit,
		burst:    burst,
		limiters: cache.New(idleLimiterTTL, 2*idleLimiterTTL),
	}
}

func (l *Limited) limiter(ownerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.limiters.Get(ownerID); ok {
		lim := v.(*rate.Limiter)
		l.limiters.SetDefault(ownerID, lim)
		return lim
	}
	lim := rate.NewLimiter(l.every, l.burst)
	l.limiters.SetDefault(ownerID, lim)
	return lim
}

// Notify implements [Notifier]. It returns [ErrThrottled] without calling
// the wrapped notifier when the owner has no token left.
func (l *Limited) Notify(ctx context.Context, msg Message) error {
	if !l.limiter(msg.OwnerID).Allow() {
		return fmt.Errorf("%w: owner %s", ErrThrottled, msg.OwnerID)
	}
	return l.next.Notify(ctx, msg)
}
