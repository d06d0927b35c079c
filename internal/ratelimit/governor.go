// Package ratelimit gates provider-API calls with a windowed counter per
// logical channel, backed by the shared store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-harvester/internal/store"
)

// reserveScript increments the channel counter and starts the window on the
// first hit, in one server-side step.
var reserveScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// Governor limits calls per channel to Limit per Window.
type Governor struct {
	store      *store.Store
	Limit      int
	Window     time.Duration
	RetryDelay time.Duration
}

// New creates a governor with the given limits.
func New(st *store.Store, limit int, window, retryDelay time.Duration) *Governor {
	return &Governor{store: st, Limit: limit, Window: window, RetryDelay: retryDelay}
}

// CheckAndReserve consumes one slot on the channel. It returns whether the
// call is allowed and the count within the current window (the reservation
// stands either way; denied calls have already been counted).
func (g *Governor) CheckAndReserve(ctx context.Context, channel string) (bool, int64, error) {
	key := store.KeyRateLimitPrefix + channel
	count, err := reserveScript.Run(ctx, g.store.Client(), []string{key}, int(g.Window.Seconds())).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: reserve %s: %w", channel, err)
	}
	return count <= int64(g.Limit), count, nil
}

// Acquire blocks until a slot is available on the channel, sleeping
// RetryDelay between checks. The sleep is interruptible by ctx.
func (g *Governor) Acquire(ctx context.Context, channel string) error {
	for {
		allowed, _, err := g.CheckAndReserve(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(g.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
