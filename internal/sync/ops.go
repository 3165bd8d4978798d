package sync

import (
	"context"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/promise"
)

// Promise-returning wrappers around the engine's blocking operations, for
// callers living on a scheduler run loop (the timer layer). Each runs the
// operation on its own goroutine; cancelling the promise cancels the
// operation's context.

// SyncOp runs DoSync.
func (e *Engine) SyncOp(s promise.Scheduler) *promise.Promise[int] {
	return promise.Go(s, func(ctx context.Context) (int, error) {
		return e.DoSync(ctx)
	})
}

// UpdateIntervalsOp runs UpdateIntervals.
func (e *Engine) UpdateIntervalsOp(s promise.Scheduler) *promise.Promise[int] {
	return promise.Go(s, func(ctx context.Context) (int, error) {
		return e.UpdateIntervals(ctx)
	})
}

// UpstreamAvailableOp runs UpstreamAvailableAssignments.
func (e *Engine) UpstreamAvailableOp(s promise.Scheduler, lessons, reviews bool, updatedAfter string) *promise.Promise[time.Time] {
	return promise.Go(s, func(ctx context.Context) (time.Time, error) {
		return e.UpstreamAvailableAssignments(ctx, lessons, reviews, updatedAfter)
	})
}

// NextAssignmentAvailableOp runs GetNextAssignmentAvailable.
func (e *Engine) NextAssignmentAvailableOp(s promise.Scheduler) *promise.Promise[time.Time] {
	return promise.Go(s, func(ctx context.Context) (time.Time, error) {
		return e.GetNextAssignmentAvailable(ctx)
	})
}
