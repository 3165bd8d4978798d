package domain

import "time"

// SubjectType identifies the kind of WaniKani subject a note was imported
// from.
type SubjectType string

const (
	TypeRadical        SubjectType = "radical"
	TypeKanji          SubjectType = "kanji"
	TypeVocabulary     SubjectType = "vocabulary"
	TypeKanaVocabulary SubjectType = "kana_vocabulary"
)

// CardType mirrors the host collection's card type encoding.
type CardType int

const (
	CardTypeNew CardType = iota
	CardTypeLearning
	CardTypeReview
)

// Queue mirrors the host collection's card queue encoding. A suspended card
// keeps CardTypeNew with QueueSuspended; that pair is the host's
// representation of the locked state.
type Queue int

const (
	QueueSuspended Queue = -1
	QueueNew       Queue = 0
	QueueLearning  Queue = 1
	QueueReview    Queue = 2
)

// Note is the local flashcard unit, one per WaniKani subject. SubjectID is
// stored as fixed-width hex in the collection so that dependency fields can
// be substring searched; Components holds the dependency subject IDs in the
// same encoding.
type Note struct {
	ID         int64
	SubjectID  int64
	Type       SubjectType
	Level      int
	Characters string
	// Components is the space-separated fixed-width-hex list of component
	// subject IDs.
	Components string
	Meaning    string
	Reading    string
	// RawData caches the subject JSON as fetched from WaniKani.
	RawData string
	// LastUpstreamSync is zero if no review has ever been pushed upstream
	// for this note.
	LastUpstreamSync time.Time
}

// Card is one reviewable face of a Note. There is one card per template;
// WaniKani subjects produce a Meaning card and, for readable subjects, a
// Reading card.
type Card struct {
	ID       int64
	NoteID   int64
	Template string
	Type     CardType
	Queue    Queue
	// Interval is the review interval in days. Only meaningful for review
	// cards.
	Interval int
	// Due is a day count (days since collection creation) for review cards,
	// and an epoch-seconds timestamp for learning cards.
	Due int64
	// LastReviewTime is an epoch-seconds timestamp, zero if never reviewed.
	LastReviewTime int64
}

// Suspended reports whether the card is in the host's suspended encoding.
func (c *Card) Suspended() bool {
	return c.Queue == QueueSuspended
}

// IsGuru reports whether the card has reached the mastery threshold: a
// review card whose interval meets or exceeds guruInterval days.
func (c *Card) IsGuru(guruInterval int) bool {
	return c.Type == CardTypeReview && c.Interval >= guruInterval
}

// ReviewEntry is one row of a card's review log, owned by the host
// collection and read-only here. Ease follows the host's grading: 1 is
// Again (a lapse), 2-4 are passing answers.
type ReviewEntry struct {
	CardID int64
	Time   time.Time
	Ease   int
}

// Passed reports whether the review was a passing (non-lapse) answer.
func (r *ReviewEntry) Passed() bool {
	return r.Ease >= 2
}

// Card templates used for WaniKani notes. Meaning is present on every note;
// Reading only on notes whose subject has readings.
const (
	TemplateMeaning = "Meaning"
	TemplateReading = "Reading"
)
