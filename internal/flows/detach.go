package flows

import (
	"context"
	"time"
)

// RunDetached dispatches a store write that must not be torn down half way
// when the caller goes away. op runs under a context that ignores the
// caller's cancellation but carries its own timeout. The caller waits for the
// result unless its own context ends first, in which case op keeps running.
func RunDetached(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	wctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		wctx, cancel = context.WithTimeout(wctx, timeout)
	} else {
		cancel = func() {}
	}

	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- op(wctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithTimeout bounds a store read.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
