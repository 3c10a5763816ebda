// Package retry implements the exponential backoff policy applied around
// provider calls. Rate-limit, timeout and overload errors are re-attempted;
// everything else fails fast.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/jordanhubbard/quorum/internal/providers"
)

// Policy parameterizes the retry wrapper.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the standard policy: 3 retries, 1s base, 60s cap, jitter on.
func Default() *Policy {
	return New(3, time.Second, 60*time.Second, true)
}

// New creates a retry policy.
func New(maxRetries int, baseDelay, maxDelay time.Duration, jitter bool) *Policy {
	return &Policy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Jitter:     jitter,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay computes the backoff before attempt n (0-based retry count). A
// provider-supplied hint, when positive, overrides the computed delay.
func (p *Policy) Delay(attempt int, hintSecs int) time.Duration {
	if hintSecs > 0 {
		return time.Duration(hintSecs) * time.Second
	}
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter {
		// 50-150% of the computed delay.
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// Do runs fn, retrying retryable failures up to MaxRetries times. Fatal
// errors (auth, model-not-found, anything outside the provider taxonomy)
// return immediately. Context cancellation aborts the wait.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !providers.Retryable(err) || attempt >= p.MaxRetries {
			return err
		}
		if serr := p.sleep(ctx, p.Delay(attempt, providers.RetryHint(err))); serr != nil {
			return providers.WrapError(providers.KindTimeout, serr)
		}
	}
}
