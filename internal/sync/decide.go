package sync

import (
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/domain"
)

// fuzz pads timestamp comparisons when deciding whether the latest review
// of a note happened locally or remotely. A few seconds would do, but the
// remote service requires at least an hour between successive reviews, so
// an hour is safe.
const fuzz = time.Hour

// UpstreamReview is the outcome of a positive upstream-sync decision: the
// lapse count to report per card template, the review timestamp to submit,
// and why the note qualified.
type UpstreamReview struct {
	Lapses    map[string]int
	Timestamp time.Time
	Reason    Reason
}

// LapsesFor returns the lapse count recorded for a card template.
func (r *UpstreamReview) LapsesFor(template string) int {
	return r.Lapses[template]
}

type dueDate struct {
	due      time.Time
	interval int
}

// shouldSyncUpstream decides whether the note's local review state should
// be submitted to the remote service as of the given instant. It returns
// nil when no review should be submitted.
//
// Every card of the note must have left the new queue and have logged
// reviews, and no card's latest review may be a lapse. Beyond that, a
// card qualifies outright when it was reviewed after the assignment came
// up, or when the subject has never been reviewed remotely; review cards
// reviewed before then qualify only if submitting now would keep the
// remote schedule from falling behind the local one.
func (e *Engine) shouldSyncUpstream(note *domain.Note, a *Assignment, asOf time.Time, today int64) (*UpstreamReview, error) {
	if a.Burned() {
		return nil, nil
	}
	if a.Data.AvailableAt != nil && a.Data.AvailableAt.After(asOf) {
		return nil, nil
	}

	availableAt := asOf
	if a.Data.AvailableAt != nil {
		availableAt = *a.Data.AvailableAt
	}

	cards, err := e.col.CardsForNote(note.ID)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, nil
	}

	result := &UpstreamReview{Lapses: make(map[string]int)}
	var reviewTime time.Time
	var reasons []Reason
	var dueDates []dueDate
	lapses := 0
	for _, card := range cards {
		if card.Type == domain.CardTypeNew {
			return nil, nil
		}

		reviews, err := e.col.Reviews(card.ID)
		if err != nil {
			return nil, err
		}
		if len(reviews) == 0 {
			return nil, nil
		}

		// Find the earliest passing review since the assignment came up;
		// the submitted review timestamp is the latest such time across
		// the note's cards.
		var earliest time.Time
		for _, review := range reviews {
			if review.Time.Before(availableAt) {
				break
			}
			if review.Passed() && (earliest.IsZero() || review.Time.Before(earliest)) {
				earliest = review.Time
			}
		}
		if earliest.After(reviewTime) {
			reviewTime = earliest
		}

		// Count the run of lapses behind the most recent passing review.
		// A card whose latest review was a lapse blocks the whole note.
		lapses = 0
		blocked := false
		for i, review := range reviews {
			if review.Passed() {
				if i == 0 {
					continue
				}
				break
			}
			if i == 0 {
				blocked = true
				break
			}
			lapses++
		}
		if blocked {
			return nil, nil
		}
		result.Lapses[card.Template] = lapses

		lastReview := reviews[0].Time
		if a.Data.AvailableAt == nil || !lastReview.Before(*a.Data.AvailableAt) {
			reasons = append(reasons, ReasonLastReviewAfterAvailable)
			continue
		}
		if a.Stage().Position == 0 {
			reasons = append(reasons, ReasonNoRemoteReviews)
			continue
		}

		// Learning-queue cards just wait for their next local review.
		if card.Queue != domain.QueueReview {
			return nil, nil
		}

		dueDates = append(dueDates, dueDate{
			due:      asOf.Add(time.Duration(card.Due-today) * 24 * time.Hour),
			interval: card.Interval,
		})
	}

	// A review already pushed upstream must not be submitted again. When
	// the last upstream submission is within the fuzz margin of both the
	// candidate timestamp and the assignment's update time, nothing has
	// happened on either side since; skip.
	if !note.LastUpstreamSync.IsZero() {
		cutoff := note.LastUpstreamSync.Add(fuzz)
		if !cutoff.Before(reviewTime) && !cutoff.Before(a.DataUpdatedAt) {
			return nil, nil
		}
	}

	result.Timestamp = reviewTime

	if len(dueDates) == 0 {
		result.Reason = minReason(reasons)
		return result, nil
	}

	// Project where the remote schedule would land if we submitted now,
	// ignoring the burned stage.
	next := a.SRS.NextStage(a.Stage().Position, lapses > 0)
	interval, ok := a.SRS.StageInterval(next)
	if !ok {
		return nil, nil
	}
	remoteDue := asOf.Add(interval)

	nextDue := dueDates[0]
	for _, d := range dueDates[1:] {
		if d.due.Before(nextDue.due) {
			nextDue = d
		}
	}
	if remoteDue.Before(nextDue.due) {
		result.Reason = ReasonNextLocalDueAfterNextRemoteDue
		return result, nil
	}

	// If the remote schedule would still lag a local card's review after
	// next, submitting now gains nothing.
	for _, d := range dueDates {
		if d.due.Add(time.Duration(d.interval) * 24 * time.Hour).Before(remoteDue) {
			return nil, nil
		}
	}
	result.Reason = ReasonSubsequentLocalDueAfterNextRemoteDue
	return result, nil
}

func minReason(reasons []Reason) Reason {
	if len(reasons) == 0 {
		return 0
	}
	least := reasons[0]
	for _, r := range reasons[1:] {
		if r < least {
			least = r
		}
	}
	return least
}
