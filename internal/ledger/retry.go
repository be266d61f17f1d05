package ledger

import (
	"context"
	"errors"
)

// DefaultMaxAttempts bounds retries of a transaction that lost the version race.
const DefaultMaxAttempts = 3

// Retry runs fn until it succeeds, fails with something other than
// ErrConcurrentModification, or maxAttempts is used up. The last conflict
// is returned as is.
func Retry(ctx context.Context, maxAttempts int, fn func(ctx context.Context, attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn(ctx, attempt)
		if err == nil || !errors.Is(err, ErrConcurrentModification) {
			return err
		}
	}
	return err
}
