package service

import (
	"context"
	"time"

	apperrors "github.com/qrpair/pairing-server/internal/errors"
)

type PollOptions struct {
	Interval time.Duration
	// Timeout bounds the whole loop; it should match the session TTL.
	Timeout time.Duration
	// Wake, when set, triggers an immediate re-poll.
	Wake <-chan struct{}
	// OnResult, when set, sees every result including pending ones.
	OnResult func(*ResolveResult)
}

// WaitForHandOff polls until the session reaches a terminal status. Every
// error is terminal, NotFound included. Running out of Timeout reports
// Expired.
func WaitForHandOff(ctx context.Context, resolver SessionResolver, id string, opts PollOptions) (*ResolveResult, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := resolver.Resolve(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, loopExit(ctx)
			}
			return nil, err
		}
		if opts.OnResult != nil {
			opts.OnResult(result)
		}
		if result.Status.IsTerminal() {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, loopExit(ctx)
		case <-ticker.C:
		case <-opts.Wake:
		}
	}
}

// loopExit distinguishes running out of time, which a poller treats like
// expiry, from the caller going away.
func loopExit(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apperrors.Expired()
	}
	return ctx.Err()
}
