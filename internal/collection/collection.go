// Package collection is the sqlite-backed flashcard store the sync engine
// reads and schedules against. Notes mirror WaniKani subjects; cards are
// the reviewable faces of a note; the review log is append-only and owned
// by the review UI, read here to reconstruct history.
package collection

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kmaglione/ankiwanikanisync/internal/domain"
	"github.com/kmaglione/ankiwanikanisync/internal/wkid"
)

// queryChunkSize bounds the number of subject IDs a single SELECT filters
// on, keeping statements well under sqlite's variable limit.
const queryChunkSize = 256

const schema = `
CREATE TABLE IF NOT EXISTS col (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	created INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	level INTEGER NOT NULL,
	characters TEXT NOT NULL DEFAULT '',
	components TEXT NOT NULL DEFAULT '',
	meaning TEXT NOT NULL DEFAULT '',
	reading TEXT NOT NULL DEFAULT '',
	raw_data TEXT NOT NULL DEFAULT '',
	last_upstream_sync INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_notes_subject ON notes(subject_id);
CREATE INDEX IF NOT EXISTS idx_notes_level ON notes(level);

CREATE TABLE IF NOT EXISTS cards (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	note_id INTEGER NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
	template TEXT NOT NULL,
	type INTEGER NOT NULL DEFAULT 0,
	queue INTEGER NOT NULL DEFAULT 0,
	ivl INTEGER NOT NULL DEFAULT 0,
	due INTEGER NOT NULL DEFAULT 0,
	last_review_time INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cards_note ON cards(note_id);

CREATE TABLE IF NOT EXISTS revlog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	card_id INTEGER NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
	time INTEGER NOT NULL,
	ease INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revlog_card ON revlog(card_id, time DESC);
`

// Collection wraps the sqlite database holding notes, cards, and the
// review log.
type Collection struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the collection at path. Use ":memory:"
// for an ephemeral collection.
func Open(path string) (*Collection, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize collection schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO col (id, created) VALUES (1, ?)`, time.Now().Unix()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize collection metadata: %w", err)
	}
	return &Collection{db: db, log: slog.Default()}, nil
}

// Close closes the underlying database.
func (c *Collection) Close() error {
	return c.db.Close()
}

// CreationTime returns when the collection was created. Day counts used by
// review-card due dates are measured from this instant.
func (c *Collection) CreationTime() (time.Time, error) {
	var created int64
	if err := c.db.QueryRow(`SELECT created FROM col WHERE id = 1`).Scan(&created); err != nil {
		return time.Time{}, fmt.Errorf("failed to read collection creation time: %w", err)
	}
	return time.Unix(created, 0), nil
}

// Today returns the current day number of the collection: whole days
// elapsed since creation.
func (c *Collection) Today() (int64, error) {
	created, err := c.CreationTime()
	if err != nil {
		return 0, err
	}
	return int64(time.Since(created) / (24 * time.Hour)), nil
}

// AddNote inserts a note and returns it with its assigned ID.
func (c *Collection) AddNote(n *domain.Note) error {
	res, err := c.db.Exec(`
		INSERT INTO notes (subject_id, subject_type, level, characters, components, meaning, reading, raw_data, last_upstream_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wkid.Format(n.SubjectID), string(n.Type), n.Level, n.Characters,
		n.Components, n.Meaning, n.Reading, n.RawData, timeToUnix(n.LastUpstreamSync))
	if err != nil {
		return fmt.Errorf("failed to insert note for subject %d: %w", n.SubjectID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read note id: %w", err)
	}
	n.ID = id
	return nil
}

// AddCard inserts a card and returns it with its assigned ID.
func (c *Collection) AddCard(card *domain.Card) error {
	res, err := c.db.Exec(`
		INSERT INTO cards (note_id, template, type, queue, ivl, due, last_review_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		card.NoteID, card.Template, int(card.Type), int(card.Queue),
		card.Interval, card.Due, card.LastReviewTime)
	if err != nil {
		return fmt.Errorf("failed to insert card for note %d: %w", card.NoteID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read card id: %w", err)
	}
	card.ID = id
	return nil
}

// UpdateNote persists the mutable note fields.
func (c *Collection) UpdateNote(n *domain.Note) error {
	_, err := c.db.Exec(`
		UPDATE notes SET level = ?, characters = ?, components = ?, meaning = ?, reading = ?, raw_data = ?, last_upstream_sync = ?
		WHERE id = ?`,
		n.Level, n.Characters, n.Components, n.Meaning, n.Reading, n.RawData,
		timeToUnix(n.LastUpstreamSync), n.ID)
	if err != nil {
		return fmt.Errorf("failed to update note %d: %w", n.ID, err)
	}
	return nil
}

// UpdateCard persists the card's scheduling state.
func (c *Collection) UpdateCard(card *domain.Card) error {
	_, err := c.db.Exec(`
		UPDATE cards SET type = ?, queue = ?, ivl = ?, due = ?, last_review_time = ?
		WHERE id = ?`,
		int(card.Type), int(card.Queue), card.Interval, card.Due, card.LastReviewTime, card.ID)
	if err != nil {
		return fmt.Errorf("failed to update card %d: %w", card.ID, err)
	}
	return nil
}

// UpdateCards persists scheduling state for a batch of cards in one
// transaction.
func (c *Collection) UpdateCards(cards []*domain.Card) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin card update: %w", err)
	}
	defer tx.Rollback()
	for _, card := range cards {
		if _, err := tx.Exec(`
			UPDATE cards SET type = ?, queue = ?, ivl = ?, due = ?, last_review_time = ?
			WHERE id = ?`,
			int(card.Type), int(card.Queue), card.Interval, card.Due, card.LastReviewTime, card.ID); err != nil {
			return fmt.Errorf("failed to update card %d: %w", card.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit card updates: %w", err)
	}
	return nil
}

const noteColumns = `id, subject_id, subject_type, level, characters, components, meaning, reading, raw_data, last_upstream_sync`

func scanNote(row interface{ Scan(...any) error }) (*domain.Note, error) {
	var n domain.Note
	var subjectHex, subjectType string
	var lastSync int64
	if err := row.Scan(&n.ID, &subjectHex, &subjectType, &n.Level, &n.Characters,
		&n.Components, &n.Meaning, &n.Reading, &n.RawData, &lastSync); err != nil {
		return nil, err
	}
	id, err := wkid.Parse(subjectHex)
	if err != nil {
		return nil, fmt.Errorf("note %d has malformed subject id %q: %w", n.ID, subjectHex, err)
	}
	n.SubjectID = id
	n.Type = domain.SubjectType(subjectType)
	if lastSync != 0 {
		n.LastUpstreamSync = time.Unix(lastSync, 0)
	}
	return &n, nil
}

func (c *Collection) queryNotes(query string, args ...any) ([]*domain.Note, error) {
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []*domain.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// NoteBySubject returns the note for a subject, or nil when none exists.
// If duplicates exist the oldest wins and the rest are logged.
func (c *Collection) NoteBySubject(subjectID int64) (*domain.Note, error) {
	notes, err := c.queryNotes(
		`SELECT `+noteColumns+` FROM notes WHERE subject_id = ? ORDER BY id`,
		wkid.Format(subjectID))
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, nil
	}
	if len(notes) > 1 {
		c.log.Warn("multiple notes for subject, using oldest",
			"subject_id", subjectID, "count", len(notes))
	}
	return notes[0], nil
}

// NotesForSubjects bulk-fetches notes for a set of subject IDs, querying in
// bounded chunks. Subjects without a note are simply absent from the
// result.
func (c *Collection) NotesForSubjects(subjectIDs []int64) ([]*domain.Note, error) {
	var notes []*domain.Note
	for start := 0; start < len(subjectIDs); start += queryChunkSize {
		end := min(start+queryChunkSize, len(subjectIDs))
		chunk := subjectIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = wkid.Format(id)
		}
		batch, err := c.queryNotes(
			`SELECT `+noteColumns+` FROM notes WHERE subject_id IN (`+placeholders+`) ORDER BY id`,
			args...)
		if err != nil {
			return nil, err
		}
		notes = append(notes, batch...)
	}
	return notes, nil
}

// AllSubjectIDs returns the subject IDs of every note in the collection.
func (c *Collection) AllSubjectIDs() ([]int64, error) {
	rows, err := c.db.Query(`SELECT subject_id FROM notes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subject ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("failed to scan subject id: %w", err)
		}
		id, err := wkid.Parse(hex)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NotesForLevels fetches all notes whose subject level is in the given set.
func (c *Collection) NotesForLevels(levels []int) ([]*domain.Note, error) {
	if len(levels) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(levels)), ",")
	args := make([]any, len(levels))
	for i, lvl := range levels {
		args[i] = lvl
	}
	return c.queryNotes(
		`SELECT `+noteColumns+` FROM notes WHERE level IN (`+placeholders+`) ORDER BY id`,
		args...)
}

// NotesWithComponent fetches notes whose dependency list references the
// subject. The components column stores fixed-width hex IDs, so a plain
// substring match cannot produce false positives.
func (c *Collection) NotesWithComponent(subjectID int64) ([]*domain.Note, error) {
	return c.queryNotes(
		`SELECT `+noteColumns+` FROM notes WHERE components LIKE ? ORDER BY id`,
		"%"+wkid.Format(subjectID)+"%")
}

const cardColumns = `id, note_id, template, type, queue, ivl, due, last_review_time`

func (c *Collection) queryCards(query string, args ...any) ([]*domain.Card, error) {
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []*domain.Card
	for rows.Next() {
		var card domain.Card
		var cardType, queue int
		if err := rows.Scan(&card.ID, &card.NoteID, &card.Template, &cardType,
			&queue, &card.Interval, &card.Due, &card.LastReviewTime); err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		card.Type = domain.CardType(cardType)
		card.Queue = domain.Queue(queue)
		cards = append(cards, &card)
	}
	return cards, rows.Err()
}

// CardsForNote returns the note's cards ordered by template.
func (c *Collection) CardsForNote(noteID int64) ([]*domain.Card, error) {
	return c.queryCards(
		`SELECT `+cardColumns+` FROM cards WHERE note_id = ? ORDER BY template`, noteID)
}

// CardsForNotes bulk-fetches cards for a set of notes, grouped by note ID.
func (c *Collection) CardsForNotes(noteIDs []int64) (map[int64][]*domain.Card, error) {
	byNote := make(map[int64][]*domain.Card)
	for start := 0; start < len(noteIDs); start += queryChunkSize {
		end := min(start+queryChunkSize, len(noteIDs))
		chunk := noteIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		cards, err := c.queryCards(
			`SELECT `+cardColumns+` FROM cards WHERE note_id IN (`+placeholders+`) ORDER BY note_id, template`,
			args...)
		if err != nil {
			return nil, err
		}
		for _, card := range cards {
			byNote[card.NoteID] = append(byNote[card.NoteID], card)
		}
	}
	return byNote, nil
}

// AddReview appends a review log entry. The review UI owns this log; this
// writer exists for imports and tests.
func (c *Collection) AddReview(entry *domain.ReviewEntry) error {
	_, err := c.db.Exec(`INSERT INTO revlog (card_id, time, ease) VALUES (?, ?, ?)`,
		entry.CardID, entry.Time.Unix(), entry.Ease)
	if err != nil {
		return fmt.Errorf("failed to insert review for card %d: %w", entry.CardID, err)
	}
	return nil
}

// Reviews returns a card's review history, newest first.
func (c *Collection) Reviews(cardID int64) ([]domain.ReviewEntry, error) {
	rows, err := c.db.Query(
		`SELECT card_id, time, ease FROM revlog WHERE card_id = ? ORDER BY time DESC, id DESC`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews for card %d: %w", cardID, err)
	}
	defer rows.Close()

	var entries []domain.ReviewEntry
	for rows.Next() {
		var entry domain.ReviewEntry
		var ts int64
		if err := rows.Scan(&entry.CardID, &ts, &entry.Ease); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		entry.Time = time.Unix(ts, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
