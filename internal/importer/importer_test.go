package importer

import (
	"testing"

	"github.com/kmaglione/ankiwanikanisync/internal/collection"
	"github.com/kmaglione/ankiwanikanisync/internal/domain"
	"github.com/kmaglione/ankiwanikanisync/internal/wanikani"
	"github.com/kmaglione/ankiwanikanisync/internal/wkid"
)

func openTest(t *testing.T) (*Importer, *collection.Collection) {
	t.Helper()
	col, err := collection.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open collection: %v", err)
	}
	t.Cleanup(func() { col.Close() })
	return New(col), col
}

func kanjiSubject(id int64, level int, characters string, components ...int64) wanikani.Subject {
	return wanikani.Subject{
		ID:   id,
		Type: domain.TypeKanji,
		Kanji: &wanikani.KanjiData{
			SubjectCommon: wanikani.SubjectCommon{
				Level:      level,
				Characters: characters,
				Meanings: []wanikani.Meaning{
					{Meaning: "big", Primary: true, AcceptedAnswer: true},
					{Meaning: "large", AcceptedAnswer: true},
				},
			},
			Readings: []wanikani.Reading{
				{Reading: "たい", Primary: true, AcceptedAnswer: true},
				{Reading: "だい", AcceptedAnswer: true},
			},
			ComponentSubjectIDs: components,
		},
	}
}

func TestEnsureNotesCreates(t *testing.T) {
	im, col := openTest(t)

	subj := kanjiSubject(440, 1, "大", 1)
	if err := im.EnsureNotes([]wanikani.Subject{subj}, nil); err != nil {
		t.Fatalf("EnsureNotes failed: %v", err)
	}

	note, err := col.NoteBySubject(440)
	if err != nil {
		t.Fatalf("NoteBySubject failed: %v", err)
	}
	if note == nil {
		t.Fatal("Note was not created")
	}
	if note.Meaning != "big, large" || note.Reading != "たい, だい" {
		t.Errorf("Unexpected fields: meaning %q, reading %q", note.Meaning, note.Reading)
	}
	if note.Components != wkid.Join([]int64{1}) {
		t.Errorf("Unexpected components %q", note.Components)
	}

	cards, err := col.CardsForNote(note.ID)
	if err != nil {
		t.Fatalf("CardsForNote failed: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("Expected meaning and reading cards, got %d", len(cards))
	}
	for _, card := range cards {
		if !card.Suspended() || card.Type != domain.CardTypeNew {
			t.Errorf("New card should start suspended: %+v", card)
		}
	}
}

func TestEnsureNotesRadicalHasNoReadingCard(t *testing.T) {
	im, col := openTest(t)

	subj := wanikani.Subject{
		ID:   1,
		Type: domain.TypeRadical,
		Radical: &wanikani.RadicalData{
			SubjectCommon: wanikani.SubjectCommon{
				Level:      1,
				Characters: "大",
				Meanings:   []wanikani.Meaning{{Meaning: "big", Primary: true, AcceptedAnswer: true}},
			},
		},
	}
	if err := im.EnsureNotes([]wanikani.Subject{subj}, nil); err != nil {
		t.Fatalf("EnsureNotes failed: %v", err)
	}

	note, err := col.NoteBySubject(1)
	if err != nil || note == nil {
		t.Fatalf("Note lookup failed: %v, %v", note, err)
	}
	cards, err := col.CardsForNote(note.ID)
	if err != nil {
		t.Fatalf("CardsForNote failed: %v", err)
	}
	if len(cards) != 1 || cards[0].Template != domain.TemplateMeaning {
		t.Errorf("Expected a single meaning card, got %+v", cards)
	}
}

func TestEnsureNotesUpdatesExisting(t *testing.T) {
	im, col := openTest(t)

	if err := im.EnsureNotes([]wanikani.Subject{kanjiSubject(440, 1, "大", 1)}, nil); err != nil {
		t.Fatalf("EnsureNotes failed: %v", err)
	}

	// Same subject with changed level and an extra synonym.
	materials := map[int64]*wanikani.StudyMaterialData{
		440: {SubjectID: 440, MeaningSynonyms: []string{"huge"}},
	}
	if err := im.EnsureNotes([]wanikani.Subject{kanjiSubject(440, 2, "大", 1)}, materials); err != nil {
		t.Fatalf("EnsureNotes update failed: %v", err)
	}

	note, err := col.NoteBySubject(440)
	if err != nil || note == nil {
		t.Fatalf("Note lookup failed: %v, %v", note, err)
	}
	if note.Level != 2 {
		t.Errorf("Level not updated: %d", note.Level)
	}
	if note.Meaning != "big, large, huge" {
		t.Errorf("Synonym not merged: %q", note.Meaning)
	}

	// Updating must not duplicate cards.
	cards, err := col.CardsForNote(note.ID)
	if err != nil {
		t.Fatalf("CardsForNote failed: %v", err)
	}
	if len(cards) != 2 {
		t.Errorf("Expected 2 cards after update, got %d", len(cards))
	}
}

func TestEnsureNotesSkipsHidden(t *testing.T) {
	im, col := openTest(t)

	subj := kanjiSubject(440, 1, "大")
	hiddenAt := subj.DataUpdatedAt
	subj.Kanji.HiddenAt = &hiddenAt
	if err := im.EnsureNotes([]wanikani.Subject{subj}, nil); err != nil {
		t.Fatalf("EnsureNotes failed: %v", err)
	}

	note, err := col.NoteBySubject(440)
	if err != nil {
		t.Fatalf("NoteBySubject failed: %v", err)
	}
	if note != nil {
		t.Error("Hidden subject should not create a note")
	}
}
