package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy describes the backoff schedule for retriable gateway calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the engine's configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Delay returns the backoff before the given retry attempt (0-based), with
// exponential growth, a cap at MaxDelay, and up to 50% jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// Do runs fn up to MaxAttempts times, backing off between attempts. It stops
// early on success, on a non-retriable error, or when ctx is cancelled. If a
// cooldown is supplied, every attempt waits for it first and rate-limit
// errors arm it.
func (p RetryPolicy) Do(ctx context.Context, cd *Cooldown, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt - 1)):
			}
		}
		if cd != nil {
			if werr := cd.Wait(ctx); werr != nil {
				return werr
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if IsRateLimited(err) && cd != nil {
			cd.Trip()
		}
		if !IsRetriable(err) {
			return err
		}
	}
	return err
}

// Cooldown is a gateway-wide gate armed by rate-limit responses. While
// tripped, all callers wait out the remaining cooldown before issuing
// requests, so one 429 throttles every strategy loop sharing the gateway.
type Cooldown struct {
	mu    sync.Mutex
	d     time.Duration
	until time.Time
}

// NewCooldown returns a Cooldown that pauses traffic for d after each trip.
func NewCooldown(d time.Duration) *Cooldown {
	return &Cooldown{d: d}
}

// Trip arms the cooldown from now.
func (c *Cooldown) Trip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = time.Now().Add(c.d)
}

// Wait blocks until the cooldown has expired or ctx is cancelled.
func (c *Cooldown) Wait(ctx context.Context) error {
	c.mu.Lock()
	remaining := time.Until(c.until)
	c.mu.Unlock()
	if remaining <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(remaining):
		return nil
	}
}

// Active reports whether the cooldown is currently armed.
func (c *Cooldown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.until)
}
