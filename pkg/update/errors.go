package update

import (
	"context"
	"errors"
)

// ErrTerminated is the cooperative-termination sentinel. A job body that
// notices a stop request acknowledges it by returning this error (directly
// or wrapped); the run is then recorded as terminated rather than failed.
var ErrTerminated = errors.New("update: run terminated by a newer attempt")

// Terminating reports whether the run's context was canceled because a newer
// attempt was admitted over it. Bodies that poll instead of selecting on
// ctx.Done() can use this as their checkpoint.
func Terminating(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTerminated)
}
