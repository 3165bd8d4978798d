package sync

// Reason records why a note qualified for an upstream review submission.
// Lower values are more direct evidence; when multiple cards qualify for
// different reasons the note reports the lowest.
type Reason int

const (
	// ReasonLastReviewAfterAvailable: the card was reviewed locally after
	// the remote assignment came up for review.
	ReasonLastReviewAfterAvailable Reason = iota + 1
	// ReasonNoRemoteReviews: the subject has never been reviewed remotely,
	// so any local history counts.
	ReasonNoRemoteReviews
	// ReasonNextLocalDueAfterNextRemoteDue: submitting now keeps the remote
	// schedule ahead of the local one.
	ReasonNextLocalDueAfterNextRemoteDue
	// ReasonSubsequentLocalDueAfterNextRemoteDue: even the local review
	// after next would not beat the remote schedule.
	ReasonSubsequentLocalDueAfterNextRemoteDue
)

func (r Reason) String() string {
	switch r {
	case ReasonLastReviewAfterAvailable:
		return "last-review-after-available"
	case ReasonNoRemoteReviews:
		return "no-remote-reviews"
	case ReasonNextLocalDueAfterNextRemoteDue:
		return "next-local-due-after-next-remote-due"
	case ReasonSubsequentLocalDueAfterNextRemoteDue:
		return "subsequent-local-due-after-next-remote-due"
	default:
		return "unknown"
	}
}
