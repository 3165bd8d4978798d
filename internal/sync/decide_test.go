package sync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/collection"
	"github.com/kmaglione/ankiwanikanisync/internal/config"
	"github.com/kmaglione/ankiwanikanisync/internal/domain"
	"github.com/kmaglione/ankiwanikanisync/internal/wanikani"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testSRS() *wanikani.SRS {
	srs := &wanikani.SRS{
		ID:             1,
		Stages:         make([]wanikani.SRSStage, 10),
		UnlockingStage: 0,
		StartingStage:  1,
		PassingStage:   5,
		BurningStage:   9,
	}
	intervals := []time.Duration{
		0,
		4 * time.Hour,
		8 * time.Hour,
		24 * time.Hour,
		2 * 24 * time.Hour,
		7 * 24 * time.Hour,
		14 * 24 * time.Hour,
		30 * 24 * time.Hour,
		120 * 24 * time.Hour,
		0,
	}
	for i, iv := range intervals {
		srs.Stages[i] = wanikani.SRSStage{Position: i, Interval: iv, HasInterval: iv != 0}
	}
	return srs
}

func newDecisionEngine(t *testing.T) (*Engine, *collection.Collection) {
	t.Helper()
	col, err := collection.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open collection: %v", err)
	}
	t.Cleanup(func() { col.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"), nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	e := New(nil, col, cfg)
	e.now = func() time.Time { return testNow }
	return e, col
}

func seedNoteWithCard(t *testing.T, col *collection.Collection, subjectID int64, cardType domain.CardType, queue domain.Queue) (*domain.Note, *domain.Card) {
	t.Helper()
	note := &domain.Note{SubjectID: subjectID, Type: domain.TypeKanji, Level: 1}
	if err := col.AddNote(note); err != nil {
		t.Fatalf("Failed to add note: %v", err)
	}
	card := &domain.Card{NoteID: note.ID, Template: domain.TemplateMeaning, Type: cardType, Queue: queue}
	if err := col.AddCard(card); err != nil {
		t.Fatalf("Failed to add card: %v", err)
	}
	return note, card
}

func logReviews(t *testing.T, col *collection.Collection, cardID int64, reviews ...domain.ReviewEntry) {
	t.Helper()
	for i := range reviews {
		reviews[i].CardID = cardID
		if err := col.AddReview(&reviews[i]); err != nil {
			t.Fatalf("Failed to log review: %v", err)
		}
	}
}

func assignment(stage int, availableAt *time.Time) *Assignment {
	a := &Assignment{SRS: testSRS()}
	a.ID = 55
	a.Data.SubjectID = 440
	a.Data.SRSStage = stage
	a.Data.AvailableAt = availableAt
	a.DataUpdatedAt = testNow.Add(-time.Hour)
	return a
}

func at(t time.Time) *time.Time { return &t }

func TestShouldSyncUpstreamRejections(t *testing.T) {
	e, col := newDecisionEngine(t)

	t.Run("burned assignment", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 1, domain.CardTypeReview, domain.QueueReview)
		logReviews(t, col, card.ID, domain.ReviewEntry{Time: testNow.Add(-time.Hour), Ease: 3})
		a := assignment(9, at(testNow.Add(-2*time.Hour)))
		a.Data.BurnedAt = at(testNow.Add(-24 * time.Hour))

		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil || result != nil {
			t.Errorf("Expected nil for burned assignment, got %+v, %v", result, err)
		}
	})

	t.Run("not yet available", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 2, domain.CardTypeReview, domain.QueueReview)
		logReviews(t, col, card.ID, domain.ReviewEntry{Time: testNow.Add(-time.Hour), Ease: 3})
		a := assignment(3, at(testNow.Add(2*time.Hour)))

		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil || result != nil {
			t.Errorf("Expected nil before availability, got %+v, %v", result, err)
		}
	})

	t.Run("new card", func(t *testing.T) {
		note, _ := seedNoteWithCard(t, col, 3, domain.CardTypeNew, domain.QueueNew)
		a := assignment(0, nil)

		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil || result != nil {
			t.Errorf("Expected nil for new card, got %+v, %v", result, err)
		}
	})

	t.Run("no logged reviews", func(t *testing.T) {
		note, _ := seedNoteWithCard(t, col, 4, domain.CardTypeLearning, domain.QueueLearning)
		a := assignment(0, nil)

		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil || result != nil {
			t.Errorf("Expected nil without reviews, got %+v, %v", result, err)
		}
	})

	t.Run("latest review was a lapse", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 5, domain.CardTypeLearning, domain.QueueLearning)
		logReviews(t, col, card.ID,
			domain.ReviewEntry{Time: testNow.Add(-time.Hour), Ease: 1},
			domain.ReviewEntry{Time: testNow.Add(-2 * time.Hour), Ease: 3})
		a := assignment(1, at(testNow.Add(-3*time.Hour)))

		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil || result != nil {
			t.Errorf("Expected nil after a lapse, got %+v, %v", result, err)
		}
	})

	t.Run("learning queue waits for next review", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 6, domain.CardTypeLearning, domain.QueueLearning)
		logReviews(t, col, card.ID, domain.ReviewEntry{Time: testNow.Add(-5 * time.Hour), Ease: 3})
		a := assignment(3, at(testNow.Add(-time.Hour)))

		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil || result != nil {
			t.Errorf("Expected nil for learning-queue card, got %+v, %v", result, err)
		}
	})
}

func TestShouldSyncUpstreamLastReviewAfterAvailable(t *testing.T) {
	e, col := newDecisionEngine(t)
	note, card := seedNoteWithCard(t, col, 1, domain.CardTypeLearning, domain.QueueLearning)
	logReviews(t, col, card.ID,
		domain.ReviewEntry{Time: testNow.Add(-time.Hour), Ease: 3},
		domain.ReviewEntry{Time: testNow.Add(-2 * time.Hour), Ease: 1},
		domain.ReviewEntry{Time: testNow.Add(-3 * time.Hour), Ease: 1},
		domain.ReviewEntry{Time: testNow.Add(-10 * time.Hour), Ease: 4})
	a := assignment(2, at(testNow.Add(-12*time.Hour)))

	result, err := e.shouldSyncUpstream(note, a, testNow, 0)
	if err != nil {
		t.Fatalf("shouldSyncUpstream failed: %v", err)
	}
	if result == nil {
		t.Fatal("Expected a qualifying result")
	}
	if result.Reason != ReasonLastReviewAfterAvailable {
		t.Errorf("Reason = %v", result.Reason)
	}
	if got := result.LapsesFor(domain.TemplateMeaning); got != 2 {
		t.Errorf("Lapses = %d, want 2", got)
	}
	// The submitted timestamp is the earliest passing review since the
	// assignment came up, not the latest.
	if want := testNow.Add(-10 * time.Hour); !result.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", result.Timestamp, want)
	}
}

func TestShouldSyncUpstreamNoRemoteReviews(t *testing.T) {
	e, col := newDecisionEngine(t)
	note, card := seedNoteWithCard(t, col, 1, domain.CardTypeLearning, domain.QueueLearning)
	logReviews(t, col, card.ID, domain.ReviewEntry{Time: testNow.Add(-2 * time.Hour), Ease: 3})
	a := assignment(0, at(testNow.Add(-time.Hour)))

	result, err := e.shouldSyncUpstream(note, a, testNow, 0)
	if err != nil {
		t.Fatalf("shouldSyncUpstream failed: %v", err)
	}
	if result == nil || result.Reason != ReasonNoRemoteReviews {
		t.Fatalf("Expected no-remote-reviews result, got %+v", result)
	}
}

func TestShouldSyncUpstreamReviewCardScheduling(t *testing.T) {
	e, col := newDecisionEngine(t)
	a := assignment(4, at(testNow.Add(-time.Hour)))

	seed := func(t *testing.T, subjectID, due int64, interval int) *domain.Note {
		note, card := seedNoteWithCard(t, col, subjectID, domain.CardTypeReview, domain.QueueReview)
		card.Due = due
		card.Interval = interval
		if err := col.UpdateCard(card); err != nil {
			t.Fatalf("Failed to update card: %v", err)
		}
		logReviews(t, col, card.ID, domain.ReviewEntry{Time: testNow.Add(-2 * time.Hour), Ease: 3})
		return note
	}

	t.Run("remote due before next local due submits", func(t *testing.T) {
		// Next stage is 5 (7 days); local card due in 10 days.
		note := seed(t, 1, 10, 10)
		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil {
			t.Fatalf("shouldSyncUpstream failed: %v", err)
		}
		if result == nil || result.Reason != ReasonNextLocalDueAfterNextRemoteDue {
			t.Fatalf("Expected next-due result, got %+v", result)
		}
	})

	t.Run("remote due after a subsequent local review skips", func(t *testing.T) {
		// Local card due in 2 days at a 1-day interval: its review after
		// next lands before the projected remote due.
		note := seed(t, 2, 2, 1)
		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil {
			t.Fatalf("shouldSyncUpstream failed: %v", err)
		}
		if result != nil {
			t.Fatalf("Expected nil, got %+v", result)
		}
	})

	t.Run("remote due between next and subsequent submits", func(t *testing.T) {
		// Local due in 5 days at a 10-day interval: remote lands after the
		// next local review but before the one after it.
		note := seed(t, 3, 5, 10)
		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil {
			t.Fatalf("shouldSyncUpstream failed: %v", err)
		}
		if result == nil || result.Reason != ReasonSubsequentLocalDueAfterNextRemoteDue {
			t.Fatalf("Expected subsequent-due result, got %+v", result)
		}
	})
}

func TestShouldSyncUpstreamAggregatesLowestReason(t *testing.T) {
	e, col := newDecisionEngine(t)
	note := &domain.Note{SubjectID: 1, Type: domain.TypeKanji, Level: 1}
	if err := col.AddNote(note); err != nil {
		t.Fatalf("Failed to add note: %v", err)
	}
	meaning := &domain.Card{NoteID: note.ID, Template: domain.TemplateMeaning,
		Type: domain.CardTypeLearning, Queue: domain.QueueLearning}
	reading := &domain.Card{NoteID: note.ID, Template: domain.TemplateReading,
		Type: domain.CardTypeLearning, Queue: domain.QueueLearning}
	for _, card := range []*domain.Card{meaning, reading} {
		if err := col.AddCard(card); err != nil {
			t.Fatalf("Failed to add card: %v", err)
		}
	}

	// Meaning card reviewed after availability (reason 1), reading card
	// before it on a never-reviewed assignment (reason 2).
	logReviews(t, col, meaning.ID, domain.ReviewEntry{Time: testNow.Add(-30 * time.Minute), Ease: 3})
	logReviews(t, col, reading.ID, domain.ReviewEntry{Time: testNow.Add(-2 * time.Hour), Ease: 3})
	a := assignment(0, at(testNow.Add(-time.Hour)))

	result, err := e.shouldSyncUpstream(note, a, testNow, 0)
	if err != nil {
		t.Fatalf("shouldSyncUpstream failed: %v", err)
	}
	if result == nil || result.Reason != ReasonLastReviewAfterAvailable {
		t.Fatalf("Expected lowest reason to win, got %+v", result)
	}
	if result.LapsesFor(domain.TemplateMeaning) != 0 || result.LapsesFor(domain.TemplateReading) != 0 {
		t.Errorf("Unexpected lapses %v", result.Lapses)
	}
}

func TestShouldSyncUpstreamSkipsRecentlySynced(t *testing.T) {
	e, col := newDecisionEngine(t)
	seed := func(t *testing.T, subjectID int64, lastUpstream time.Time) (*domain.Note, *Assignment) {
		note, card := seedNoteWithCard(t, col, subjectID, domain.CardTypeLearning, domain.QueueLearning)
		note.LastUpstreamSync = lastUpstream
		logReviews(t, col, card.ID, domain.ReviewEntry{Time: testNow.Add(-time.Hour), Ease: 3})
		return note, assignment(2, at(testNow.Add(-12*time.Hour)))
	}

	t.Run("already submitted review is not resubmitted", func(t *testing.T) {
		// The last upstream submission postdates both the candidate review
		// and the assignment's update time.
		note, a := seed(t, 1, testNow.Add(-30*time.Minute))
		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil {
			t.Fatalf("shouldSyncUpstream failed: %v", err)
		}
		if result != nil {
			t.Fatalf("Expected nil for an already-submitted review, got %+v", result)
		}
	})

	t.Run("remote update since last submission qualifies", func(t *testing.T) {
		// Remote touched the assignment more than the fuzz margin after the
		// last submission.
		note, a := seed(t, 2, testNow.Add(-2*time.Hour))
		a.DataUpdatedAt = testNow
		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil {
			t.Fatalf("shouldSyncUpstream failed: %v", err)
		}
		if result == nil {
			t.Fatal("Expected a qualifying result after a remote update")
		}
	})

	t.Run("newer local review qualifies", func(t *testing.T) {
		note, a := seed(t, 3, testNow.Add(-3*time.Hour))
		result, err := e.shouldSyncUpstream(note, a, testNow, 0)
		if err != nil {
			t.Fatalf("shouldSyncUpstream failed: %v", err)
		}
		if result == nil {
			t.Fatal("Expected a qualifying result for a review newer than the last submission")
		}
	})
}

func TestMaybeSyncDownstream(t *testing.T) {
	e, col := newDecisionEngine(t)

	t.Run("never reviewed remotely", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 1, domain.CardTypeNew, domain.QueueNew)
		if e.maybeSyncDownstream(note, card, assignment(0, nil), 0, testNow) {
			t.Error("Unreviewed assignment should not sync downstream")
		}
	})

	t.Run("long interval makes review card", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 2, domain.CardTypeNew, domain.QueueNew)
		a := assignment(5, at(testNow.Add(3*24*time.Hour)))

		if !e.maybeSyncDownstream(note, card, a, 0, testNow) {
			t.Fatal("Expected the card to change")
		}
		if card.Type != domain.CardTypeReview || card.Queue != domain.QueueReview {
			t.Errorf("Card not promoted to review: %+v", card)
		}
		if card.Interval != 7 {
			t.Errorf("Interval = %d, want 7", card.Interval)
		}
		if card.Due != 4 {
			t.Errorf("Due = %d, want 4 (today + 3 days + 1)", card.Due)
		}
		if want := a.LastReviewTime().Unix(); card.LastReviewTime != want {
			t.Errorf("LastReviewTime = %d, want %d", card.LastReviewTime, want)
		}
	})

	t.Run("existing review card only advances", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 3, domain.CardTypeReview, domain.QueueReview)
		card.Interval = 10
		card.Due = 10
		a := assignment(5, at(testNow.Add(3*24*time.Hour)))

		if e.maybeSyncDownstream(note, card, a, 0, testNow) {
			t.Errorf("Card with longer local schedule changed: %+v", card)
		}
		if card.Interval != 10 || card.Due != 10 {
			t.Errorf("Local schedule was shortened: %+v", card)
		}
	})

	t.Run("short interval makes learning card", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 4, domain.CardTypeNew, domain.QueueNew)
		a := assignment(2, at(testNow.Add(2*time.Hour)))

		if !e.maybeSyncDownstream(note, card, a, 0, testNow) {
			t.Fatal("Expected the card to change")
		}
		if card.Type != domain.CardTypeLearning || card.Queue != domain.QueueLearning {
			t.Errorf("Card not made learning: %+v", card)
		}
		if want := testNow.Add(2 * time.Hour).Unix(); card.Due != want {
			t.Errorf("Due = %d, want %d", card.Due, want)
		}
	})

	t.Run("recent upstream sync wins", func(t *testing.T) {
		note, card := seedNoteWithCard(t, col, 5, domain.CardTypeNew, domain.QueueNew)
		note.LastUpstreamSync = testNow.Add(-30 * time.Minute)
		a := assignment(5, at(testNow.Add(3*24*time.Hour)))

		if e.maybeSyncDownstream(note, card, a, 0, testNow) {
			t.Error("Downstream sync should defer to a recent upstream submission")
		}
	})
}
