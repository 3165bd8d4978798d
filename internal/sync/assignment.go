package sync

import (
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/wanikani"
)

// Assignment joins a remote assignment with its subject and the spaced
// repetition system governing it.
type Assignment struct {
	wanikani.Assignment

	Subject *wanikani.Subject
	SRS     *wanikani.SRS
}

// Stage returns the assignment's current SRS stage.
func (a *Assignment) Stage() wanikani.SRSStage {
	return a.SRS.Stages[a.Data.SRSStage]
}

// Burned reports whether the subject has been retired from review.
func (a *Assignment) Burned() bool {
	return a.Data.BurnedAt != nil
}

// Started reports whether the assignment's lesson has been taken.
func (a *Assignment) Started() bool {
	return a.Data.StartedAt != nil
}

// LastReviewTime estimates when the assignment was last reviewed remotely.
// The API does not expose review history, but the next-available time minus
// the current stage's interval is exactly when the stage was reached. The
// zero time means no review has happened.
func (a *Assignment) LastReviewTime() time.Time {
	stage := a.Stage()
	if a.Data.AvailableAt == nil || !stage.HasInterval {
		return time.Time{}
	}
	return a.Data.AvailableAt.Add(-stage.Interval)
}
