package promise

import "context"

// Future is the capability marker for promise-like values. Anything
// carrying a Subscribe hook can be adopted into a Promise; the structural
// check happens here, at the single adapter boundary, and nowhere else.
type Future[T any] interface {
	Subscribe(onFulfilled func(T), onRejected func(error))
}

// Adopt converts a Future into a Promise. A value that is already a
// *Promise is returned as-is rather than double-wrapped.
func Adopt[T any](s Scheduler, f Future[T]) *Promise[T] {
	if p, ok := f.(*Promise[T]); ok {
		return p
	}
	return New(s, func(resolve func(T), reject func(error)) {
		f.Subscribe(resolve, reject)
	})
}

// Go bridges Go's native concurrency into the promise world: fn runs on its
// own goroutine and the returned promise settles, through the scheduler,
// with fn's result. Cancelling the promise cancels fn's context; fn is
// expected to notice at its next blocking point and return ctx.Err(), which
// is normalized to a *CancelError.
func Go[T any](s Scheduler, fn func(ctx context.Context) (T, error)) *Promise[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return NewWithCancel(s, func(resolve func(T), reject func(error)) {
		go func() {
			defer cancel()
			v, err := fn(ctx)
			if err != nil {
				reject(err)
				return
			}
			resolve(v)
		}()
	}, cancel)
}
