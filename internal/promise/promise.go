// Package promise implements the cooperative future primitive the sync
// engine is built on: a cancellable, chainable promise whose handlers are
// always dispatched asynchronously through a pluggable Scheduler.
package promise

import (
	"runtime"
	"sync"
)

// Status is the settlement state of a Promise. Transitions are one-way:
// Pending to any of the others, and Cancelled to Fulfilled or Rejected when
// a cancellation callback settles the promise itself.
type Status int

const (
	Pending Status = iota
	Fulfilled
	Rejected
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

type handlerPair[T any] struct {
	onFulfilled func(T)
	onRejected  func(error)
}

// Promise is a value that will be available later. Handlers attached with
// Then/Catch/Finally run in registration order on the Scheduler, never
// synchronously, even when the promise is already settled.
type Promise[T any] struct {
	sched Scheduler

	mu               sync.Mutex
	status           Status
	value            T
	err              error
	handlers         []handlerPair[T]
	onCancel         func()
	rejectionHandled bool
}

func newPromise[T any](s Scheduler) *Promise[T] {
	p := &Promise[T]{sched: s}
	// A rejection that nobody ever attached a handler to must not vanish
	// silently when the promise is collected.
	runtime.SetFinalizer(p, func(p *Promise[T]) {
		p.mu.Lock()
		unhandled := p.status == Rejected && !p.rejectionHandled
		err := p.err
		p.mu.Unlock()
		if unhandled {
			ReportError(err)
		}
	})
	return p
}

// New creates a promise and immediately invokes executor with its resolve
// and reject functions. Re-settlement attempts are no-ops.
func New[T any](s Scheduler, executor func(resolve func(T), reject func(error))) *Promise[T] {
	p := newPromise[T](s)
	executor(p.fulfill, p.rejectErr)
	return p
}

// NewWithCancel is New with a cancellation callback. When Cancel is called
// while the promise is pending, onCancel runs and is responsible for
// ultimately resolving or rejecting the promise; if it panics, the panic
// value becomes the rejection reason.
func NewWithCancel[T any](s Scheduler, executor func(resolve func(T), reject func(error)), onCancel func()) *Promise[T] {
	p := newPromise[T](s)
	p.onCancel = onCancel
	executor(p.fulfill, p.rejectErr)
	return p
}

// Resolve returns a promise already fulfilled with v.
func Resolve[T any](s Scheduler, v T) *Promise[T] {
	p := newPromise[T](s)
	p.fulfill(v)
	return p
}

// Reject returns a promise already rejected with err.
func Reject[T any](s Scheduler, err error) *Promise[T] {
	p := newPromise[T](s)
	p.rejectErr(err)
	return p
}

// State returns the promise's current settlement state.
func (p *Promise[T]) State() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Result returns the settled value or rejection. Only meaningful once State
// reports Fulfilled or Rejected.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

func (p *Promise[T]) fulfill(v T) {
	p.mu.Lock()
	if p.status != Pending && p.status != Cancelled {
		p.mu.Unlock()
		return
	}
	p.status = Fulfilled
	p.value = v
	hs := p.handlers
	p.handlers = nil
	p.mu.Unlock()

	for _, h := range hs {
		h := h
		p.sched.CallSoon(func() { h.onFulfilled(v) })
	}
}

func (p *Promise[T]) rejectErr(err error) {
	err = normalize(err)
	p.mu.Lock()
	if p.status != Pending && p.status != Cancelled {
		p.mu.Unlock()
		return
	}
	p.status = Rejected
	p.err = err
	hs := p.handlers
	p.handlers = nil
	p.mu.Unlock()

	for _, h := range hs {
		h := h
		p.sched.CallSoon(func() { h.onRejected(err) })
	}
}

// Cancel requests cancellation. It is only effective while the promise is
// pending. Without a cancellation callback the promise rejects with a
// *CancelError; with one, the callback decides the final outcome.
func (p *Promise[T]) Cancel() {
	p.mu.Lock()
	if p.status != Pending {
		p.mu.Unlock()
		return
	}
	p.status = Cancelled
	onCancel := p.onCancel
	p.mu.Unlock()

	if onCancel == nil {
		p.rejectErr(&CancelError{})
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.rejectErr(panicError(r))
		}
	}()
	onCancel()
}

// subscribe registers settlement callbacks. Both must be non-nil. The
// callbacks run on the scheduler, in registration order, and attaching them
// marks any rejection as handled.
func (p *Promise[T]) subscribe(onFulfilled func(T), onRejected func(error)) {
	p.mu.Lock()
	p.rejectionHandled = true
	switch p.status {
	case Fulfilled:
		v := p.value
		p.mu.Unlock()
		p.sched.CallSoon(func() { onFulfilled(v) })
	case Rejected:
		err := p.err
		p.mu.Unlock()
		p.sched.CallSoon(func() { onRejected(err) })
	default:
		p.handlers = append(p.handlers, handlerPair[T]{onFulfilled, onRejected})
		p.mu.Unlock()
	}
}

// Subscribe is the exported settlement hook, and the capability that makes
// a Promise adoptable via Adopt. Nil callbacks are ignored.
func (p *Promise[T]) Subscribe(onFulfilled func(T), onRejected func(error)) {
	if onFulfilled == nil {
		onFulfilled = func(T) {}
	}
	if onRejected == nil {
		onRejected = func(error) {}
	}
	p.subscribe(onFulfilled, onRejected)
}

// Then chains same-type handlers. Either handler may be nil, in which case
// the corresponding outcome passes through unchanged. A non-nil error
// return rejects the derived promise; a panic becomes a rejection.
func (p *Promise[T]) Then(onFulfilled func(T) (T, error), onRejected func(error) (T, error)) *Promise[T] {
	return New(p.sched, func(resolve func(T), reject func(error)) {
		p.subscribe(func(v T) {
			if onFulfilled == nil {
				resolve(v)
				return
			}
			runHandler(func() (T, error) { return onFulfilled(v) }, resolve, reject)
		}, func(err error) {
			if onRejected == nil {
				reject(err)
				return
			}
			runHandler(func() (T, error) { return onRejected(err) }, resolve, reject)
		})
	})
}

// Catch is Then with only a rejection handler.
func (p *Promise[T]) Catch(onRejected func(error) (T, error)) *Promise[T] {
	return p.Then(nil, onRejected)
}

// Finally runs fn with no arguments once the promise settles either way.
// Its return value is ignored unless it is an error, which then pre-empts
// the original outcome; otherwise the original outcome passes through.
func (p *Promise[T]) Finally(fn func() error) *Promise[T] {
	return New(p.sched, func(resolve func(T), reject func(error)) {
		p.subscribe(func(v T) {
			if err := runFinally(fn); err != nil {
				reject(err)
				return
			}
			resolve(v)
		}, func(err error) {
			if ferr := runFinally(fn); ferr != nil {
				reject(ferr)
				return
			}
			reject(err)
		})
	})
}

func runHandler[T any](fn func() (T, error), resolve func(T), reject func(error)) {
	defer func() {
		if r := recover(); r != nil {
			reject(panicError(r))
		}
	}()
	v, err := fn()
	if err != nil {
		reject(err)
		return
	}
	resolve(v)
}

func runFinally(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn()
}

// Then derives a promise of a different type from p's fulfillment.
// Rejections pass through untouched.
func Then[T, U any](p *Promise[T], onFulfilled func(T) (U, error)) *Promise[U] {
	return New(p.sched, func(resolve func(U), reject func(error)) {
		p.subscribe(func(v T) {
			runHandler(func() (U, error) { return onFulfilled(v) }, resolve, reject)
		}, reject)
	})
}

// ThenPromise chains a handler that itself returns a promise; the derived
// promise adopts the inner promise's eventual outcome without wrapping.
func ThenPromise[T, U any](p *Promise[T], onFulfilled func(T) *Promise[U]) *Promise[U] {
	return New(p.sched, func(resolve func(U), reject func(error)) {
		p.subscribe(func(v T) {
			var inner *Promise[U]
			func() {
				defer func() {
					if r := recover(); r != nil {
						reject(panicError(r))
						inner = nil
					}
				}()
				inner = onFulfilled(v)
			}()
			if inner != nil {
				inner.subscribe(resolve, reject)
			}
		}, reject)
	})
}

// Outcome is the tagged per-input result produced by AllSettled.
type Outcome[T any] struct {
	Status Status
	Value  T
	Err    error
}

// All resolves with every input's value once all fulfill, in input order.
// It rejects with the first rejection without waiting for the rest. An
// empty input resolves immediately with an empty slice.
func All[T any](s Scheduler, ps []*Promise[T]) *Promise[[]T] {
	return New(s, func(resolve func([]T), reject func(error)) {
		if len(ps) == 0 {
			resolve([]T{})
			return
		}
		var mu sync.Mutex
		results := make([]T, len(ps))
		remaining := len(ps)
		for i, sub := range ps {
			i := i
			sub.subscribe(func(v T) {
				mu.Lock()
				results[i] = v
				remaining--
				done := remaining == 0
				mu.Unlock()
				if done {
					resolve(results)
				}
			}, reject)
		}
	})
}

// AllSettled always resolves, collecting a tagged outcome per input in
// input order regardless of rejections.
func AllSettled[T any](s Scheduler, ps []*Promise[T]) *Promise[[]Outcome[T]] {
	return New(s, func(resolve func([]Outcome[T]), reject func(error)) {
		if len(ps) == 0 {
			resolve([]Outcome[T]{})
			return
		}
		var mu sync.Mutex
		results := make([]Outcome[T], len(ps))
		remaining := len(ps)
		settle := func(i int, o Outcome[T]) {
			mu.Lock()
			results[i] = o
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				resolve(results)
			}
		}
		for i, sub := range ps {
			i := i
			sub.subscribe(func(v T) {
				settle(i, Outcome[T]{Status: Fulfilled, Value: v})
			}, func(err error) {
				settle(i, Outcome[T]{Status: Rejected, Err: err})
			})
		}
	})
}

// Race settles with whichever input settles first, in either direction.
func Race[T any](s Scheduler, ps []*Promise[T]) *Promise[T] {
	return New(s, func(resolve func(T), reject func(error)) {
		for _, sub := range ps {
			sub.subscribe(resolve, reject)
		}
	})
}
