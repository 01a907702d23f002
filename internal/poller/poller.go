// Package poller implements the bounded retry loop used to drive
// asynchronous generation jobs to a terminal state.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/provider"
)

// FetchFunc fetches the current job status. Transport errors are treated
// as transient and consume an attempt.
type FetchFunc func(ctx context.Context) (*provider.Status, error)

// SleepFunc waits for d or until ctx is cancelled. Injected by tests.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config bounds one polling loop
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       SleepFunc
}

// Poll sleeps, fetches and repeats until a terminal status or the attempt
// budget is exhausted. Exhaustion is a returned expired status carrying
// PROVIDER_PROCESSING_TIMEOUT, never an unbounded loop; cancellation of
// ctx stops further attempts and returns the context error, after which
// the caller is responsible for refunding any charge already taken.
func Poll(ctx context.Context, fetch FetchFunc, cfg Config) (*provider.Status, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := sleep(ctx, cfg.Interval); err != nil {
			return nil, err
		}

		status, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		switch status.Kind {
		case provider.StatusDone, provider.StatusFailed, provider.StatusExpired:
			return status, nil
		}
	}

	message := fmt.Sprintf("no terminal status after %d attempts", cfg.MaxAttempts)
	if lastErr != nil {
		message = fmt.Sprintf("%s (last error: %v)", message, lastErr)
	}
	return &provider.Status{
		Kind:    provider.StatusExpired,
		Code:    apierr.CodeProviderProcessingTimeout,
		Message: message,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
