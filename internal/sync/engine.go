// Package sync reconciles review state between the local collection and
// the WaniKani API. Reviews flow upstream when the local side has the
// fresher history and downstream when the remote side does; per-resource
// watermarks keep refetches incremental.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/collection"
	"github.com/kmaglione/ankiwanikanisync/internal/config"
	"github.com/kmaglione/ankiwanikanisync/internal/domain"
	"github.com/kmaglione/ankiwanikanisync/internal/importer"
	"github.com/kmaglione/ankiwanikanisync/internal/unlock"
	"github.com/kmaglione/ankiwanikanisync/internal/wanikani"
)

// fetchChunkSize bounds how many subject IDs one API query filters on.
const fetchChunkSize = 1024

// ErrNoAPIToken is returned by operations that need a configured token.
var ErrNoAPIToken = errors.New("no api token configured")

// Engine drives sync operations against one collection and one API token.
type Engine struct {
	client  *wanikani.Client
	col     *collection.Collection
	cfg     *config.Store
	imp     *importer.Importer
	unlocks *unlock.Engine
	log     *slog.Logger

	// ScheduleReviewAt, when set, is called with the instant a qualifying
	// upstream review should next be attempted. The timer layer hooks in
	// here.
	ScheduleReviewAt func(time.Time)

	// now is replaced in tests.
	now func() time.Time

	subjMu   sync.Mutex
	subjects map[int64]*wanikani.Subject
}

// New returns a sync engine over the given client, collection, and config.
func New(client *wanikani.Client, col *collection.Collection, cfg *config.Store) *Engine {
	return &Engine{
		client:   client,
		col:      col,
		cfg:      cfg,
		imp:      importer.New(col),
		unlocks:  unlock.New(col, cfg),
		log:      slog.Default(),
		now:      time.Now,
		subjects: make(map[int64]*wanikani.Subject),
	}
}

// Unlocks exposes the engine's unlock engine for callers that drive unlock
// decisions directly.
func (e *Engine) Unlocks() *unlock.Engine {
	return e.unlocks
}

func (e *Engine) cachedSubject(id int64) (*wanikani.Subject, bool) {
	e.subjMu.Lock()
	defer e.subjMu.Unlock()
	subj, ok := e.subjects[id]
	return subj, ok
}

func (e *Engine) cacheSubject(subj wanikani.Subject) *wanikani.Subject {
	e.subjMu.Lock()
	defer e.subjMu.Unlock()
	s := subj
	e.subjects[s.ID] = &s
	return &s
}

// noteSubject tries to decode the subject JSON cached on a note.
func noteSubject(note *domain.Note) (wanikani.Subject, bool) {
	if note == nil || note.RawData == "" {
		return wanikani.Subject{}, false
	}
	subj, err := wanikani.ParseSubject(json.RawMessage(note.RawData))
	if err != nil {
		return wanikani.Subject{}, false
	}
	return subj, true
}

// getSubject returns the subject for an ID, preferring the in-memory
// cache, then the JSON cached on the subject's note, then the API.
func (e *Engine) getSubject(ctx context.Context, id int64) (*wanikani.Subject, error) {
	if subj, ok := e.cachedSubject(id); ok {
		return subj, nil
	}

	note, err := e.col.NoteBySubject(id)
	if err != nil {
		return nil, err
	}
	if subj, ok := noteSubject(note); ok {
		return e.cacheSubject(subj), nil
	}

	subjects, _, err := e.client.Subjects(ctx, wanikani.SubjectsQuery{IDs: []int64{id}})
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("subject %d not found", id)
	}
	return e.cacheSubject(subjects[0]), nil
}

// fetchSubjects pre-populates the subject cache for a set of IDs, reading
// note-cached JSON where possible and fetching the remainder in bounded
// chunks.
func (e *Engine) fetchSubjects(ctx context.Context, ids []int64) error {
	missing := make(map[int64]bool)
	for _, id := range ids {
		if _, ok := e.cachedSubject(id); !ok {
			missing[id] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}

	notes, err := e.col.NotesForSubjects(keys(missing))
	if err != nil {
		return err
	}
	for _, note := range notes {
		if subj, ok := noteSubject(note); ok {
			e.cacheSubject(subj)
			delete(missing, note.SubjectID)
		}
	}

	for _, chunk := range chunkInt64s(keys(missing), fetchChunkSize) {
		subjects, _, err := e.client.Subjects(ctx, wanikani.SubjectsQuery{IDs: chunk})
		if err != nil {
			return err
		}
		for _, subj := range subjects {
			e.cacheSubject(subj)
		}
	}
	return nil
}

// assignmentFor joins a raw assignment with its subject and SRS.
func (e *Engine) assignmentFor(ctx context.Context, wa wanikani.Assignment) (*Assignment, error) {
	subj, err := e.getSubject(ctx, wa.Data.SubjectID)
	if err != nil {
		return nil, err
	}
	srs, err := e.client.SRSSystem(ctx, subj.SRSSystemID())
	if err != nil {
		return nil, err
	}
	return &Assignment{Assignment: wa, Subject: subj, SRS: srs}, nil
}

// maybeScheduleReview arms the review timer for the assignment's next
// available time if a review would qualify then.
func (e *Engine) maybeScheduleReview(note *domain.Note, a *Assignment, now time.Time, today int64) {
	if e.ScheduleReviewAt == nil {
		return
	}
	at := a.Data.AvailableAt
	if at == nil || !at.After(now) {
		return
	}
	result, err := e.shouldSyncUpstream(note, a, *at, today)
	if err != nil || result == nil {
		return
	}
	e.ScheduleReviewAt(*at)
}

// upstreamAssignment submits an upstream review for the note if one
// qualifies right now, or arms the review timer for when one would.
// Returns true when a review was submitted that may push the subject over
// the passing threshold.
func (e *Engine) upstreamAssignment(ctx context.Context, a *Assignment, note *domain.Note) (bool, error) {
	now := e.now()
	today, err := e.col.Today()
	if err != nil {
		return false, err
	}

	result, err := e.shouldSyncUpstream(note, a, now, today)
	if err != nil {
		return false, err
	}
	if result == nil {
		e.maybeScheduleReview(note, a, now, today)
		return false, nil
	}

	if !a.Started() {
		// Starting the assignment counts as its first review; the next
		// one comes up a few hours later, so arm the timer for it.
		resp, err := e.client.StartAssignment(ctx, a.ID)
		if err != nil {
			e.log.Error("failed to start assignment", "assignment", a.ID,
				"subject", a.Data.SubjectID, "error", err)
			return false, nil
		}
		note.LastUpstreamSync = now
		if err := e.col.UpdateNote(note); err != nil {
			return false, err
		}

		started := &Assignment{Assignment: *resp, Subject: a.Subject, SRS: a.SRS}
		e.maybeScheduleReview(note, started, now, today)
		return false, nil
	}

	// The submitted timestamp may not precede the assignment's
	// availability. Hidden or resurrected assignments can lack one; the
	// review timestamp alone serves then, and if that is also missing the
	// service fills in the submission time.
	timestamp := result.Timestamp
	if a.Data.AvailableAt != nil && a.Data.AvailableAt.After(timestamp) {
		timestamp = *a.Data.AvailableAt
	}
	createdAt := ""
	if !timestamp.IsZero() {
		createdAt = timestamp.UTC().Format(time.RFC3339)
	}

	e.log.Info("submitting upstream review", "subject", a.Data.SubjectID,
		"reason", result.Reason.String(), "lapses", result.Lapses)
	_, err = e.client.CreateReview(ctx, wanikani.ReviewCreate{
		AssignmentID:            a.ID,
		IncorrectMeaningAnswers: result.LapsesFor(domain.TemplateMeaning),
		IncorrectReadingAnswers: result.LapsesFor(domain.TemplateReading),
		CreatedAt:               createdAt,
	})
	if err != nil {
		// One failed submission should not abort the rest of the pass.
		e.log.Error("failed to submit review", "subject", a.Data.SubjectID,
			"note", note.ID, "error", err)
		return false, nil
	}

	note.LastUpstreamSync = now
	if err := e.col.UpdateNote(note); err != nil {
		return false, err
	}
	return a.Stage().Position+1 == a.SRS.PassingStage, nil
}

// upstreamAssignments runs upstreamAssignment for each assignment with a
// local note. When a submission may have pushed a subject past the passing
// threshold, one follow-up pass checks for newly available lessons.
func (e *Engine) upstreamAssignments(ctx context.Context, assignments []wanikani.Assignment, notes map[int64]*domain.Note, followUp bool) error {
	ids := make([]int64, 0, len(assignments))
	for _, wa := range assignments {
		ids = append(ids, wa.Data.SubjectID)
	}
	if err := e.fetchSubjects(ctx, ids); err != nil {
		return err
	}

	mightGuru := false
	for _, wa := range assignments {
		note, ok := notes[wa.Data.SubjectID]
		if !ok {
			continue
		}
		a, err := e.assignmentFor(ctx, wa)
		if err != nil {
			return err
		}
		guru, err := e.upstreamAssignment(ctx, a, note)
		if err != nil {
			return err
		}
		mightGuru = mightGuru || guru
	}

	if mightGuru && followUp {
		_, err := e.upstreamAvailable(ctx, true, false, "", false)
		return err
	}
	return nil
}

// UpstreamNote submits an upstream review for one note if its assignment
// qualifies. Called after a local review leaves the note with nothing due.
func (e *Engine) UpstreamNote(ctx context.Context, note *domain.Note) error {
	assignments, _, err := e.client.Assignments(ctx, wanikani.AssignmentsQuery{
		SubjectIDs: []int64{note.SubjectID},
	})
	if err != nil {
		return err
	}
	return e.upstreamAssignments(ctx, assignments,
		map[int64]*domain.Note{note.SubjectID: note}, true)
}

func (e *Engine) upstreamAvailable(ctx context.Context, lessons, reviews bool, updatedAfter string, followUp bool) (time.Time, error) {
	earliest := e.now()

	var assignments []wanikani.Assignment
	query := func(q wanikani.AssignmentsQuery) error {
		q.UpdatedAfter = updatedAfter
		batch, updatedAt, err := e.client.Assignments(ctx, q)
		if err != nil {
			return err
		}
		if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil && ts.Before(earliest) {
			earliest = ts
		}
		assignments = append(assignments, batch...)
		return nil
	}

	if lessons {
		if err := query(wanikani.AssignmentsQuery{ImmediatelyAvailableForLessons: true}); err != nil {
			return time.Time{}, err
		}
	}
	if reviews {
		if err := query(wanikani.AssignmentsQuery{ImmediatelyAvailableForReview: true}); err != nil {
			return time.Time{}, err
		}
	}

	ids := make([]int64, 0, len(assignments))
	for _, wa := range assignments {
		ids = append(ids, wa.Data.SubjectID)
	}
	notes, err := e.notesBySubject(ids)
	if err != nil {
		return time.Time{}, err
	}
	if err := e.upstreamAssignments(ctx, assignments, notes, followUp); err != nil {
		return time.Time{}, err
	}
	return earliest, nil
}

// UpstreamAvailableAssignments submits upstream reviews for every
// assignment currently available for lessons and/or reviews, and returns
// the watermark for the next incremental pass.
func (e *Engine) UpstreamAvailableAssignments(ctx context.Context, lessons, reviews bool, updatedAfter string) (time.Time, error) {
	return e.upstreamAvailable(ctx, lessons, reviews, updatedAfter, true)
}

// GetNextAssignmentAvailable returns the earliest time within the
// look-ahead window at which an assignment will both be available and
// qualify for an upstream review. With no such assignment, the end of the
// window is returned.
func (e *Engine) GetNextAssignmentAvailable(ctx context.Context) (time.Time, error) {
	now := e.now()
	windowEnd := now.Add(e.cfg.SyncIntervalReviewsMax)

	assignments, _, err := e.client.Assignments(ctx, wanikani.AssignmentsQuery{
		AvailableAfter:  now,
		AvailableBefore: windowEnd,
	})
	if err != nil {
		return time.Time{}, err
	}

	ids := make([]int64, 0, len(assignments))
	for _, wa := range assignments {
		ids = append(ids, wa.Data.SubjectID)
	}
	if err := e.fetchSubjects(ctx, ids); err != nil {
		return time.Time{}, err
	}
	notes, err := e.notesBySubject(ids)
	if err != nil {
		return time.Time{}, err
	}
	today, err := e.col.Today()
	if err != nil {
		return time.Time{}, err
	}

	next := windowEnd
	for _, wa := range assignments {
		note, ok := notes[wa.Data.SubjectID]
		if !ok || wa.Data.AvailableAt == nil {
			continue
		}
		a, err := e.assignmentFor(ctx, wa)
		if err != nil {
			return time.Time{}, err
		}
		result, err := e.shouldSyncUpstream(note, a, *wa.Data.AvailableAt, today)
		if err != nil {
			return time.Time{}, err
		}
		if result != nil && wa.Data.AvailableAt.Before(next) {
			next = *wa.Data.AvailableAt
		}
	}
	return next, nil
}

// UpdateIntervals pulls remote scheduling into local cards for every
// assignment updated since the last due sync. Returns the number of cards
// changed.
func (e *Engine) UpdateIntervals(ctx context.Context) (int, error) {
	query := wanikani.AssignmentsQuery{Hidden: wanikani.Bool(false)}
	query.UpdatedAfter = e.cfg.LastDueSync

	assignments, updatedAt, err := e.client.Assignments(ctx, query)
	if err != nil {
		return 0, err
	}

	ids := make([]int64, 0, len(assignments))
	for _, wa := range assignments {
		ids = append(ids, wa.Data.SubjectID)
	}
	if err := e.fetchSubjects(ctx, ids); err != nil {
		return 0, err
	}
	notes, err := e.notesBySubject(ids)
	if err != nil {
		return 0, err
	}
	noteIDs := make([]int64, 0, len(notes))
	for _, note := range notes {
		noteIDs = append(noteIDs, note.ID)
	}
	cardsByNote, err := e.col.CardsForNotes(noteIDs)
	if err != nil {
		return 0, err
	}

	now := e.now()
	today, err := e.col.Today()
	if err != nil {
		return 0, err
	}

	var changed []*domain.Card
	for _, wa := range assignments {
		note, ok := notes[wa.Data.SubjectID]
		if !ok {
			continue
		}
		a, err := e.assignmentFor(ctx, wa)
		if err != nil {
			return 0, err
		}
		for _, card := range cardsByNote[note.ID] {
			if e.maybeSyncDownstream(note, card, a, today, now) {
				changed = append(changed, card)
			}
		}
	}

	if err := e.col.UpdateCards(changed); err != nil {
		return 0, err
	}
	if updatedAt != "" {
		if err := e.cfg.SetWatermark("due", updatedAt); err != nil {
			return 0, err
		}
	}
	e.log.Info("updated intervals", "assignments", len(assignments), "cards", len(changed))
	return len(changed), nil
}

// notesBySubject maps subject IDs to their notes, dropping subjects with
// no local note.
func (e *Engine) notesBySubject(ids []int64) (map[int64]*domain.Note, error) {
	notes, err := e.col.NotesForSubjects(ids)
	if err != nil {
		return nil, err
	}
	bySubject := make(map[int64]*domain.Note, len(notes))
	for _, note := range notes {
		if _, ok := bySubject[note.SubjectID]; !ok {
			bySubject[note.SubjectID] = note
		}
	}
	return bySubject, nil
}

// ClearCache forgets all incremental-sync watermarks, forcing the next
// sync to refetch everything.
func (e *Engine) ClearCache() error {
	return e.cfg.ClearWatermarks()
}

func keys(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func chunkInt64s(ids []int64, size int) [][]int64 {
	var chunks [][]int64
	for start := 0; start < len(ids); start += size {
		chunks = append(chunks, ids[start:min(start+size, len(ids))])
	}
	return chunks
}
