package timers

import (
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/config"
	"github.com/kmaglione/ankiwanikanisync/internal/promise"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestTimers(t *testing.T) (*Timers, *promise.Manual) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sched := promise.NewManual()
	tm := New(nil, cfg, sched)
	tm.now = func() time.Time { return testNow }
	return tm, sched
}

// waitPump waits for a background timer to post its callback, then runs it.
func waitPump(t *testing.T, sched *promise.Manual) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sched.Pump() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for scheduled callback")
}

func TestSubmitReviewsAtKeepsEarlierDeadline(t *testing.T) {
	tm, _ := newTestTimers(t)
	defer tm.Stop()

	tm.SubmitReviewsAt(testNow.Add(time.Hour))
	if got := tm.reviewAt; !got.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("reviewAt = %v, want %v", got, testNow.Add(time.Hour))
	}

	// A later target must not displace the armed one.
	tm.SubmitReviewsAt(testNow.Add(2 * time.Hour))
	if got := tm.reviewAt; !got.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("reviewAt = %v after later submit, want %v", got, testNow.Add(time.Hour))
	}

	// An earlier one must.
	tm.SubmitReviewsAt(testNow.Add(30 * time.Minute))
	if got := tm.reviewAt; !got.Equal(testNow.Add(30 * time.Minute)) {
		t.Fatalf("reviewAt = %v after earlier submit, want %v", got, testNow.Add(30*time.Minute))
	}
}

func TestSubmitReviewsAtFiresThroughScheduler(t *testing.T) {
	tm, sched := newTestTimers(t)
	defer tm.Stop()

	var mu stdsync.Mutex
	fired := 0
	tm.tickReviews = func() {
		mu.Lock()
		fired++
		mu.Unlock()
	}

	// A past deadline fires immediately.
	tm.SubmitReviewsAt(testNow.Add(-time.Minute))
	waitPump(t, sched)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("tick fired %d times, want 1", fired)
	}
	if !tm.reviewAt.IsZero() {
		t.Fatalf("reviewAt not cleared after firing: %v", tm.reviewAt)
	}
}

func TestSubmitReviewsAtRearmsAfterFiring(t *testing.T) {
	tm, sched := newTestTimers(t)
	defer tm.Stop()

	tm.tickReviews = func() {}
	tm.SubmitReviewsAt(testNow.Add(-time.Minute))
	waitPump(t, sched)

	// The fired timer is spent; any new target, even a later one, arms.
	tm.SubmitReviewsAt(testNow.Add(3 * time.Hour))
	if got := tm.reviewAt; !got.Equal(testNow.Add(3 * time.Hour)) {
		t.Fatalf("reviewAt = %v, want %v", got, testNow.Add(3*time.Hour))
	}
}

func TestStopCancelsPendingReviewTimer(t *testing.T) {
	tm, _ := newTestTimers(t)

	tm.SubmitReviewsAt(testNow.Add(24 * time.Hour))
	tm.Stop()

	if tm.reviewTimer != nil {
		t.Fatal("review timer still armed after Stop")
	}
	if !tm.reviewAt.IsZero() {
		t.Fatalf("reviewAt not cleared after Stop: %v", tm.reviewAt)
	}
}

func TestTickerPostsToScheduler(t *testing.T) {
	tm, sched := newTestTimers(t)
	tm.stop = make(chan struct{})
	defer tm.Stop()

	var mu stdsync.Mutex
	ticks := 0
	tm.runTicker(10*time.Millisecond, func() {
		mu.Lock()
		ticks++
		mu.Unlock()
	})
	waitPump(t, sched)

	mu.Lock()
	defer mu.Unlock()
	if ticks == 0 {
		t.Fatal("ticker never fired")
	}
}

func TestTickerDisabledForZeroInterval(t *testing.T) {
	tm, sched := newTestTimers(t)
	tm.stop = make(chan struct{})
	defer tm.Stop()

	tm.runTicker(0, func() { t.Error("ticker fired despite zero interval") })
	time.Sleep(20 * time.Millisecond)
	if sched.Drain() != 0 {
		t.Fatal("callbacks queued despite zero interval")
	}
}
