package promise

import "sync"

// Cancelable is a handle for a callback registered with a Scheduler.
type Cancelable interface {
	Cancel()
	Cancelled() bool
}

// Scheduler runs callbacks asynchronously relative to the caller. Every
// handler attached to a Promise is dispatched through a Scheduler, never
// synchronously, so the Promise type stays agnostic of the host's
// concurrency model.
type Scheduler interface {
	CallSoon(fn func()) Cancelable
}

type handle struct {
	mu        sync.Mutex
	fn        func()
	cancelled bool
}

func (h *handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.fn = nil
	h.mu.Unlock()
}

func (h *handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *handle) run() {
	h.mu.Lock()
	fn := h.fn
	h.fn = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Loop is a serial run-loop Scheduler. Callbacks run one at a time, in
// registration order, on whichever goroutine calls Run. All engine state
// mutation happens on that goroutine; background work settles promises
// through it.
type Loop struct {
	mu    sync.Mutex
	queue []*handle
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) CallSoon(fn func()) Cancelable {
	h := &handle{fn: fn}
	l.mu.Lock()
	l.queue = append(l.queue, h)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return h
}

// Run processes callbacks until Stop is called. It returns after the queue
// has drained following Stop.
func (l *Loop) Run() {
	for {
		l.drain()
		select {
		case <-l.wake:
		case <-l.done:
			l.drain()
			return
		}
	}
}

// Stop makes Run return once pending callbacks have drained.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		h := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		h.run()
	}
}

type multiCancelable struct {
	handles []Cancelable
}

func (m *multiCancelable) Cancel() {
	for _, h := range m.handles {
		h.Cancel()
	}
}

func (m *multiCancelable) Cancelled() bool {
	for _, h := range m.handles {
		if !h.Cancelled() {
			return false
		}
	}
	return true
}

// Hybrid defers to any number of other schedulers, running each callback
// only once, the first time any backend attempts to call it. The remaining
// registrations are cancelled.
type Hybrid struct {
	schedulers []Scheduler
}

func NewHybrid(schedulers ...Scheduler) *Hybrid {
	return &Hybrid{schedulers: schedulers}
}

func (h *Hybrid) CallSoon(fn func()) Cancelable {
	var once sync.Once
	m := &multiCancelable{}
	cb := func() {
		once.Do(func() {
			m.Cancel()
			fn()
		})
	}
	for _, s := range h.schedulers {
		m.handles = append(m.handles, s.CallSoon(cb))
	}
	return m
}

// Manual is a Scheduler pumped by hand. It backs tests and single-step
// drivers that need deterministic control over when callbacks run.
type Manual struct {
	mu    sync.Mutex
	queue []*handle
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) CallSoon(fn func()) Cancelable {
	h := &handle{fn: fn}
	m.mu.Lock()
	m.queue = append(m.queue, h)
	m.mu.Unlock()
	return h
}

// Pump runs the next pending callback, reporting whether one was run.
func (m *Manual) Pump() bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	h := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()
	h.run()
	return true
}

// Drain pumps until no callbacks remain, returning the number run.
func (m *Manual) Drain() int {
	n := 0
	for m.Pump() {
		n++
	}
	return n
}
