package instrument

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var errNotReady = errors.New("not ready")

// waitFor polls check at a constant interval until it reports ready, the
// timeout elapses, or ctx is done.
func waitFor(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ready, err := check(ctx)
		if err != nil {
			lastErr = err
			return struct{}{}, err
		}
		if !ready {
			return struct{}{}, errNotReady
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("timed out after %s: %w", timeout, lastErr)
	}
	return fmt.Errorf("timed out after %s: %w", timeout, err)
}
