package sync

import (
	"math"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/domain"
)

// floorDays converts a duration to whole days, rounding toward negative
// infinity so that a due time earlier today still counts as today.
func floorDays(d time.Duration) int64 {
	return int64(math.Floor(d.Hours() / 24))
}

// maybeSyncDownstream pulls the remote schedule into a local card when the
// remote side has the fresher review. Returns whether the card changed.
//
// A card whose remote interval is a day or longer becomes a review card
// with the remote interval and due date, never shortening an existing
// review card's schedule. A shorter remote interval turns a non-review
// card into a learning card due when the assignment is next available.
func (e *Engine) maybeSyncDownstream(note *domain.Note, card *domain.Card, a *Assignment, today int64, now time.Time) bool {
	lastReview := a.LastReviewTime()
	if lastReview.IsZero() {
		return false
	}

	// The remote review estimate is rough, and the assignment's update
	// time also moves on subject edits. If either could predate our last
	// upstream submission, the latest review was ours; leave the card be.
	if !note.LastUpstreamSync.IsZero() {
		cutoff := note.LastUpstreamSync.Add(fuzz)
		if !cutoff.Before(lastReview) || !cutoff.Before(a.DataUpdatedAt) {
			return false
		}
	}

	stage := a.Stage()
	if a.Data.AvailableAt == nil || !stage.HasInterval {
		return false
	}

	changed := false
	isReview := card.Type == domain.CardTypeReview
	intervalDays := int(stage.Interval / (24 * time.Hour))
	if intervalDays >= 1 {
		if !isReview {
			card.Type = domain.CardTypeReview
			card.Queue = domain.QueueReview
			changed = true
		}
		if !isReview || card.Interval <= intervalDays {
			card.Interval = intervalDays
			changed = true
		}

		// Review-card due values are day numbers of the collection.
		due := today + floorDays(a.Data.AvailableAt.Sub(now)) + 1
		if !isReview || due > card.Due {
			card.Due = due
			card.LastReviewTime = lastReview.Unix()
			changed = true
		}
	} else if !isReview {
		isLearning := card.Type == domain.CardTypeLearning
		if !isLearning {
			card.Type = domain.CardTypeLearning
			card.Queue = domain.QueueLearning
			changed = true
		}

		// Learning-card due values are epoch seconds.
		due := a.Data.AvailableAt.Unix()
		if !isLearning || due > card.Due {
			card.Due = due
			changed = true
		}
	}
	return changed
}
