package retry

import (
	"context"

	pkgerrors "pulse/pkg/errors"
)

// Optimistic runs op once and, when it reports a store-level conflict
// (a concurrent writer won a uniqueness race), runs it exactly one more
// time. The second invocation receives retrying=true so the operation can
// refetch state before acting; a conflict on the retry is returned as-is.
// No locks are taken; this caps duplicate work at one extra round trip.
func Optimistic(ctx context.Context, op func(ctx context.Context, retrying bool) error) error {
	err := op(ctx, false)
	if err == nil || !pkgerrors.IsConflict(err) {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return op(ctx, true)
}
