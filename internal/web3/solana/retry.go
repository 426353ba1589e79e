package solana

import (
	"context"
	"time"
)

// RetryPolicy is shared by every endpoint of a Client: each operation is
// attempted up to Attempts times against one endpoint, waiting Delay×n
// before the n-th retry.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Do runs fn until it succeeds, returns a terminal error, or the attempts
// are used up. Terminal errors are those classify reports as non-retryable.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.normalized()
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			if waitErr := sleep(ctx, p.Delay*time.Duration(attempt)); waitErr != nil {
				return waitErr
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if terminal(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
