package settlement

import (
	"context"
	"time"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// PollConfig bounds a polling loop.
type PollConfig struct {
	MaxAttempts int
	Delay       time.Duration
	// Sleep defaults to ContextSleep. Tests inject a fake to avoid real delays.
	Sleep Sleeper
}

// DefaultPollConfig is 5 attempts with a fixed 2s pause between them.
func DefaultPollConfig() PollConfig {
	return PollConfig{MaxAttempts: 5, Delay: 2 * time.Second, Sleep: ContextSleep}
}

// ContextSleep waits for d unless ctx is cancelled first.
func ContextSleep(ctx context.Context, d time.Duration) error {
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

// Poll calls lookup until it reports ready or MaxAttempts is reached, pausing
// Delay between attempts (never after the last). It returns the value, the
// number of attempts made and whether a value was found.
func Poll[T any](ctx context.Context, cfg PollConfig, lookup func(ctx context.Context, attempt int) (T, bool)) (T, int, bool) {
	var zero T
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if v, ok := lookup(ctx, attempt); ok {
			return v, attempt, true
		}
		if attempt == cfg.MaxAttempts {
			return zero, attempt, false
		}
		if err := sleep(ctx, cfg.Delay); err != nil {
			return zero, attempt, false
		}
	}
	return zero, 0, false
}
