package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	rate "github.com/beefsack/go-rate"
	gocache "github.com/patrickmn/go-cache"
)

// Local is an in-process limiter used when no shared counter store is
// configured.  It keeps a token bucket per source in an expiring cache.  It
// does not share state between processes, so a multi-instance deployment
// should use [FixedWindow] over Redis instead.
type Local struct {
	logger  *slog.Logger
	buckets *gocache.Cache

	// mu protects buckets.
	mu *sync.Mutex
}

// NewLocal creates an in-process limiter.  l must not be nil.
func NewLocal(l *slog.Logger) (lim *Local) {
	return &Local{
		logger:  l,
		buckets: gocache.New(time.Hour, time.Hour),
		mu:      &sync.Mutex{},
	}
}

// type check
var _ Limiter = (*Local)(nil)

// limiterFor returns the bucket for the given source, creating it if needed.
// Sources with different budgets get different buckets.
func (lim *Local) limiterFor(ip string, limit int, window time.Duration) (v any) {
	key := fmt.Sprintf("%s/%d/%s", ip, limit, window)

	lim.mu.Lock()
	defer lim.mu.Unlock()

	v, found := lim.buckets.Get(key)
	if !found {
		v = rate.New(limit, window)
		lim.buckets.Set(key, v, time.Hour)
	}

	return v
}

// Admit implements the [Limiter] interface for *Local.  It never returns an
// error, the backing state is process-local.
func (lim *Local) Admit(
	ctx context.Context,
	ip string,
	limit int,
	window time.Duration,
) (ok bool, err error) {
	v := lim.limiterFor(ip, limit, window)
	rl, isLimiter := v.(*rate.RateLimiter)
	if !isLimiter {
		lim.logger.ErrorContext(
			ctx,
			"invalid value found in limiter cache",
			slogutil.KeyError, fmt.Errorf("bad type %T", v),
		)

		return true, nil
	}

	ok, _ = rl.Try()

	return ok, nil
}
