/*
Package idempotency makes a mutating operation safe to retry under one key.

PURPOSE:
  A client that times out and retries must get the original result, never a
  second booking or a second balance deduction. The durable record of "this
  key already ran" is the result itself (a Booking carrying the key under a
  unique constraint), not a separate cache, so the guard only needs a way to
  look the result up.

FLOW:
  1. empty key            -> run op, no protection
  2. Lookup(key) hits     -> return stored result, replayed = true
  3. run op
  4. op lost a race       -> op reports ErrDuplicateIdempotencyKey from the
                             store's unique constraint; look up the winner
                             and return it, replayed = true

The op itself re-checks the key inside its transaction after taking its row
lock; step 4 is the backstop for racers that slip past that check.
*/
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/timeshare-engine/timeshare"
)

// LookupFunc returns the result previously stored under key.
type LookupFunc[T any] func(ctx context.Context, key string) (T, bool, error)

type Guard[T any] struct {
	Lookup LookupFunc[T]
}

// Do runs op at most once per key.
func (g Guard[T]) Do(ctx context.Context, key string, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		v, err := op(ctx)
		return v, false, err
	}

	if v, ok, err := g.Lookup(ctx, key); err != nil {
		return zero, false, fmt.Errorf("idempotency lookup %q: %w", key, err)
	} else if ok {
		return v, true, nil
	}

	v, err := op(ctx)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, timeshare.ErrDuplicateIdempotencyKey) {
		return zero, false, err
	}

	winner, ok, lerr := g.Lookup(ctx, key)
	if lerr != nil {
		return zero, false, fmt.Errorf("idempotency lookup %q after race: %w", key, lerr)
	}
	if !ok {
		return zero, false, err
	}
	return winner, true, nil
}
