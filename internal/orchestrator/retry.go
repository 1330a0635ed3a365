package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Sleeper pauses between retry attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RetryPolicy retries transient fetch failures a fixed number of times with a
// constant backoff. Anything else, including an empty page, is returned as is.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy allows two retries five seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: 5 * time.Second}
}

// Do runs fn until it succeeds, fails permanently, or the retries run out.
// It reports how many attempts were made.
func (p RetryPolicy) Do(ctx context.Context, sleeper Sleeper, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if attempts > p.MaxRetries || !crawler.IsTransient(err) || ctx.Err() != nil {
			return attempts, err
		}
		if sleeper != nil {
			if serr := sleeper.Sleep(ctx, p.Backoff); serr != nil {
				return attempts, fmt.Errorf("retry backoff: %w", serr)
			}
		}
	}
}
