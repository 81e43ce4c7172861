// Package retry runs outbound calls with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation. Delays start at BaseDelay and double
// after every failed attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is used by the third-party HTTP clients.
var Default = Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. The last error from op is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, policy, func(err error, wait time.Duration) {
		slog.Debug("retrying after failure",
			"attempt", attempt,
			"max_attempts", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	})
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
