// Package importer materializes WaniKani subjects as collection notes and
// cards. New cards start suspended; the unlock engine decides when they
// become studyable.
package importer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kmaglione/ankiwanikanisync/internal/collection"
	"github.com/kmaglione/ankiwanikanisync/internal/domain"
	"github.com/kmaglione/ankiwanikanisync/internal/wanikani"
	"github.com/kmaglione/ankiwanikanisync/internal/wkid"
)

// Importer writes subject-derived notes into the collection.
type Importer struct {
	col *collection.Collection
	log *slog.Logger
}

// New returns an importer over the given collection.
func New(col *collection.Collection) *Importer {
	return &Importer{col: col, log: slog.Default()}
}

// EnsureNotes creates or refreshes one note per subject. materials, keyed
// by subject ID, contributes user-defined meaning synonyms; it may be nil.
// Hidden subjects never create notes, but existing notes for them are left
// in place.
func (im *Importer) EnsureNotes(subjects []wanikani.Subject, materials map[int64]*wanikani.StudyMaterialData) error {
	created, updated := 0, 0
	for i := range subjects {
		subj := &subjects[i]

		note, err := im.col.NoteBySubject(subj.ID)
		if err != nil {
			return err
		}
		if note == nil {
			if subj.Hidden() {
				continue
			}
			if err := im.createNote(subj, materials[subj.ID]); err != nil {
				return err
			}
			created++
			continue
		}

		fillNote(note, subj, materials[subj.ID])
		if err := im.col.UpdateNote(note); err != nil {
			return err
		}
		updated++
	}
	if created > 0 || updated > 0 {
		im.log.Info("imported subjects", "created", created, "updated", updated)
	}
	return nil
}

func (im *Importer) createNote(subj *wanikani.Subject, material *wanikani.StudyMaterialData) error {
	note := &domain.Note{SubjectID: subj.ID, Type: subj.Type}
	fillNote(note, subj, material)
	if err := im.col.AddNote(note); err != nil {
		return err
	}

	templates := []string{domain.TemplateMeaning}
	if subj.HasReadingCard() {
		templates = append(templates, domain.TemplateReading)
	}
	for _, tmpl := range templates {
		card := &domain.Card{
			NoteID:   note.ID,
			Template: tmpl,
			Type:     domain.CardTypeNew,
			Queue:    domain.QueueSuspended,
		}
		if err := im.col.AddCard(card); err != nil {
			return fmt.Errorf("failed to create %s card for subject %d: %w", tmpl, subj.ID, err)
		}
	}
	return nil
}

func fillNote(note *domain.Note, subj *wanikani.Subject, material *wanikani.StudyMaterialData) {
	note.Level = subj.Level()
	note.Characters = subj.Characters()
	note.Components = wkid.Join(subj.ComponentSubjectIDs())
	note.Meaning = meaningField(subj, material)
	note.Reading = readingField(subj)
	note.RawData = string(subj.Raw)
}

// meaningField renders the accepted meanings, primary first, with any
// user-defined synonyms appended.
func meaningField(subj *wanikani.Subject, material *wanikani.StudyMaterialData) string {
	var parts []string
	for _, m := range subj.Meanings() {
		if m.Primary && m.AcceptedAnswer {
			parts = append(parts, m.Meaning)
		}
	}
	for _, m := range subj.Meanings() {
		if !m.Primary && m.AcceptedAnswer {
			parts = append(parts, m.Meaning)
		}
	}
	if material != nil {
		parts = append(parts, material.MeaningSynonyms...)
	}
	return strings.Join(parts, ", ")
}

func readingField(subj *wanikani.Subject) string {
	var parts []string
	for _, r := range subj.Readings() {
		if r.Primary && r.AcceptedAnswer {
			parts = append(parts, r.Reading)
		}
	}
	for _, r := range subj.Readings() {
		if !r.Primary && r.AcceptedAnswer {
			parts = append(parts, r.Reading)
		}
	}
	return strings.Join(parts, ", ")
}
