// Package timers drives the periodic and scheduled sync operations: a
// lessons pass and a due-date pass on fixed intervals, and a single-shot
// review submission armed for the moment the next qualifying assignment
// becomes available.
package timers

import (
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/config"
	"github.com/kmaglione/ankiwanikanisync/internal/promise"
	"github.com/kmaglione/ankiwanikanisync/internal/sync"
)

// Timers owns the recurring sync schedule. All operation callbacks run on
// the scheduler; the timers themselves fire on background goroutines.
type Timers struct {
	eng   *sync.Engine
	cfg   *config.Store
	sched promise.Scheduler
	log   *slog.Logger

	// now is replaced in tests.
	now func() time.Time
	// tickReviews is the review-timer callback, replaced in tests.
	tickReviews func()

	mu          stdsync.Mutex
	reviewTimer *time.Timer
	reviewAt    time.Time

	stop chan struct{}
	wg   stdsync.WaitGroup
}

// New returns timers driving the given engine on the given scheduler.
func New(eng *sync.Engine, cfg *config.Store, sched promise.Scheduler) *Timers {
	t := &Timers{
		eng:   eng,
		cfg:   cfg,
		sched: sched,
		log:   slog.Default(),
		now:   time.Now,
	}
	t.tickReviews = t.reviewsTick
	return t
}

// Start begins the periodic passes and arms the review timer. It also
// registers with the engine so qualifying future reviews re-arm the timer.
func (t *Timers) Start() {
	t.stop = make(chan struct{})
	t.eng.ScheduleReviewAt = t.SubmitReviewsAt

	t.runTicker(t.cfg.SyncIntervalLessons, t.lessonsTick)
	t.runTicker(t.cfg.SyncIntervalDue, t.dueTick)
	t.startReviewsTimer()
}

// Stop halts all timers. In-flight operations are not interrupted.
func (t *Timers) Stop() {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.mu.Lock()
	if t.reviewTimer != nil {
		t.reviewTimer.Stop()
		t.reviewTimer = nil
		t.reviewAt = time.Time{}
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Timers) runTicker(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	stop := t.stop
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sched.CallSoon(fn)
			case <-stop:
				return
			}
		}
	}()
}

// SubmitReviewsAt arms the single-shot review timer for the given instant.
// An already-armed earlier target is kept; a later one is replaced.
func (t *Timers) SubmitReviewsAt(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reviewTimer != nil && !t.reviewAt.IsZero() && !at.Before(t.reviewAt) {
		return
	}
	if t.reviewTimer != nil {
		t.reviewTimer.Stop()
	}

	delay := at.Sub(t.now())
	if delay < 0 {
		delay = 0
	}
	t.reviewAt = at
	t.reviewTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.reviewAt = time.Time{}
		t.mu.Unlock()
		t.sched.CallSoon(t.tickReviews)
	})
	t.log.Debug("review timer armed", "at", at)
}

// startReviewsTimer asks the engine when the next qualifying review will
// be available and arms the timer for it.
func (t *Timers) startReviewsTimer() {
	t.eng.NextAssignmentAvailableOp(t.sched).Then(func(next time.Time) (time.Time, error) {
		t.SubmitReviewsAt(next)
		return next, nil
	}, func(err error) (time.Time, error) {
		t.log.Error("failed to query next assignment", "error", err)
		return time.Time{}, nil
	})
}

func (t *Timers) reviewsTick() {
	t.eng.UpstreamAvailableOp(t.sched, false, true, "").Then(func(ts time.Time) (time.Time, error) {
		t.startReviewsTimer()
		return ts, nil
	}, func(err error) (time.Time, error) {
		t.log.Error("review submission pass failed", "error", err)
		t.startReviewsTimer()
		return time.Time{}, nil
	})
}

func (t *Timers) lessonsTick() {
	t.eng.UpstreamAvailableOp(t.sched, true, false, t.cfg.LastLessonsSync).Then(func(ts time.Time) (time.Time, error) {
		return ts, t.cfg.SetWatermark("lessons", ts.UTC().Format(time.RFC3339))
	}, func(err error) (time.Time, error) {
		t.log.Error("lessons pass failed", "error", err)
		return time.Time{}, nil
	})
}

func (t *Timers) dueTick() {
	t.eng.UpdateIntervalsOp(t.sched).Catch(func(err error) (int, error) {
		t.log.Error("due-date pass failed", "error", err)
		return 0, nil
	})
}
