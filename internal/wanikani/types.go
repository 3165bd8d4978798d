package wanikani

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/domain"
)

// Meaning is one accepted meaning of a subject.
type Meaning struct {
	Meaning        string `json:"meaning"`
	Primary        bool   `json:"primary"`
	AcceptedAnswer bool   `json:"accepted_answer"`
}

// Reading is one accepted reading of a kanji or vocabulary subject.
type Reading struct {
	Reading        string `json:"reading"`
	Primary        bool   `json:"primary"`
	AcceptedAnswer bool   `json:"accepted_answer"`
	Type           string `json:"type,omitempty"`
}

// SubjectCommon carries the fields shared by every subject variant.
type SubjectCommon struct {
	Level                    int        `json:"level"`
	Slug                     string     `json:"slug"`
	Characters               string     `json:"characters"`
	Meanings                 []Meaning  `json:"meanings"`
	HiddenAt                 *time.Time `json:"hidden_at"`
	DocumentURL              string     `json:"document_url"`
	LessonPosition           int        `json:"lesson_position"`
	SpacedRepetitionSystemID int64      `json:"spaced_repetition_system_id"`
}

// RadicalData is the radical variant payload.
type RadicalData struct {
	SubjectCommon
	AmalgamationSubjectIDs []int64 `json:"amalgamation_subject_ids"`
}

// KanjiData is the kanji variant payload.
type KanjiData struct {
	SubjectCommon
	Readings                  []Reading `json:"readings"`
	ComponentSubjectIDs       []int64   `json:"component_subject_ids"`
	AmalgamationSubjectIDs    []int64   `json:"amalgamation_subject_ids"`
	VisuallySimilarSubjectIDs []int64   `json:"visually_similar_subject_ids"`
}

// VocabularyData is the vocabulary variant payload.
type VocabularyData struct {
	SubjectCommon
	Readings            []Reading `json:"readings"`
	ComponentSubjectIDs []int64   `json:"component_subject_ids"`
}

// KanaVocabularyData is the kana-only vocabulary variant payload. It has no
// reading cards and no components.
type KanaVocabularyData struct {
	SubjectCommon
}

// Subject is a closed sum over the four subject variants, discriminated by
// Type. Exactly one of the payload pointers is non-nil.
type Subject struct {
	ID            int64
	Type          domain.SubjectType
	DataUpdatedAt time.Time

	Radical        *RadicalData
	Kanji          *KanjiData
	Vocabulary     *VocabularyData
	KanaVocabulary *KanaVocabularyData

	// Raw is the envelope JSON as received, cached on notes so subjects
	// need not be refetched.
	Raw json.RawMessage
}

func (s *Subject) common() *SubjectCommon {
	switch s.Type {
	case domain.TypeRadical:
		return &s.Radical.SubjectCommon
	case domain.TypeKanji:
		return &s.Kanji.SubjectCommon
	case domain.TypeVocabulary:
		return &s.Vocabulary.SubjectCommon
	case domain.TypeKanaVocabulary:
		return &s.KanaVocabulary.SubjectCommon
	}
	panic(fmt.Sprintf("subject %d has invalid type %q", s.ID, s.Type))
}

func (s *Subject) Level() int          { return s.common().Level }
func (s *Subject) Characters() string  { return s.common().Characters }
func (s *Subject) Hidden() bool        { return s.common().HiddenAt != nil }
func (s *Subject) SRSSystemID() int64  { return s.common().SpacedRepetitionSystemID }
func (s *Subject) Meanings() []Meaning { return s.common().Meanings }

// ComponentSubjectIDs returns the subject's dependency edges: the radicals
// a kanji is built from, or the kanji a vocabulary word is built from.
func (s *Subject) ComponentSubjectIDs() []int64 {
	switch s.Type {
	case domain.TypeKanji:
		return s.Kanji.ComponentSubjectIDs
	case domain.TypeVocabulary:
		return s.Vocabulary.ComponentSubjectIDs
	}
	return nil
}

// AmalgamationSubjectIDs returns the subjects this subject is a component
// of.
func (s *Subject) AmalgamationSubjectIDs() []int64 {
	switch s.Type {
	case domain.TypeRadical:
		return s.Radical.AmalgamationSubjectIDs
	case domain.TypeKanji:
		return s.Kanji.AmalgamationSubjectIDs
	}
	return nil
}

// Readings returns the subject's readings, nil for radicals and kana-only
// vocabulary.
func (s *Subject) Readings() []Reading {
	switch s.Type {
	case domain.TypeKanji:
		return s.Kanji.Readings
	case domain.TypeVocabulary:
		return s.Vocabulary.Readings
	}
	return nil
}

// HasReadingCard reports whether notes for this subject carry a Reading
// card in addition to the Meaning card.
func (s *Subject) HasReadingCard() bool {
	return s.Type == domain.TypeKanji || s.Type == domain.TypeVocabulary
}

// envelope is the generic single-resource wrapper used by every endpoint.
type envelope struct {
	ID            int64           `json:"id"`
	Object        string          `json:"object"`
	DataUpdatedAt time.Time       `json:"data_updated_at"`
	Data          json.RawMessage `json:"data"`
}

// ParseSubject decodes a subject resource envelope into the sum type.
func ParseSubject(raw json.RawMessage) (Subject, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Subject{}, fmt.Errorf("failed to decode subject envelope: %w", err)
	}

	subj := Subject{
		ID:            env.ID,
		DataUpdatedAt: env.DataUpdatedAt,
		Raw:           raw,
	}
	var err error
	switch env.Object {
	case "radical":
		subj.Type = domain.TypeRadical
		subj.Radical = &RadicalData{}
		err = json.Unmarshal(env.Data, subj.Radical)
	case "kanji":
		subj.Type = domain.TypeKanji
		subj.Kanji = &KanjiData{}
		err = json.Unmarshal(env.Data, subj.Kanji)
	case "vocabulary":
		subj.Type = domain.TypeVocabulary
		subj.Vocabulary = &VocabularyData{}
		err = json.Unmarshal(env.Data, subj.Vocabulary)
	case "kana_vocabulary":
		subj.Type = domain.TypeKanaVocabulary
		subj.KanaVocabulary = &KanaVocabularyData{}
		err = json.Unmarshal(env.Data, subj.KanaVocabulary)
	default:
		return Subject{}, fmt.Errorf("unknown subject type %q for id %d", env.Object, env.ID)
	}
	if err != nil {
		return Subject{}, fmt.Errorf("failed to decode %s %d: %w", env.Object, env.ID, err)
	}
	return subj, nil
}

// AssignmentData is the payload of an assignment resource: the remote
// service's per-subject scheduling record.
type AssignmentData struct {
	SubjectID   int64      `json:"subject_id"`
	SubjectType string     `json:"subject_type"`
	SRSStage    int        `json:"srs_stage"`
	UnlockedAt  *time.Time `json:"unlocked_at"`
	StartedAt   *time.Time `json:"started_at"`
	AvailableAt *time.Time `json:"available_at"`
	BurnedAt    *time.Time `json:"burned_at"`
	Hidden      bool       `json:"hidden"`
}

// Assignment is an assignment resource with its envelope metadata.
type Assignment struct {
	ID            int64          `json:"id"`
	DataUpdatedAt time.Time      `json:"data_updated_at"`
	Data          AssignmentData `json:"data"`
}

// StudyMaterialData is the payload of a study_material resource.
type StudyMaterialData struct {
	SubjectID       int64    `json:"subject_id"`
	SubjectType     string   `json:"subject_type"`
	MeaningNote     string   `json:"meaning_note"`
	ReadingNote     string   `json:"reading_note"`
	MeaningSynonyms []string `json:"meaning_synonyms"`
}

// StudyMaterial is a study_material resource with its envelope metadata.
type StudyMaterial struct {
	ID            int64             `json:"id"`
	DataUpdatedAt time.Time         `json:"data_updated_at"`
	Data          StudyMaterialData `json:"data"`
}

// User is the user resource, of which only the subscription level cap is
// consumed.
type User struct {
	Data struct {
		Level        int `json:"level"`
		Subscription struct {
			MaxLevelGranted int `json:"max_level_granted"`
		} `json:"subscription"`
	} `json:"data"`
}

// ReviewCreate is the write-only payload for POST reviews.
type ReviewCreate struct {
	AssignmentID            int64  `json:"assignment_id"`
	IncorrectMeaningAnswers int    `json:"incorrect_meaning_answers"`
	IncorrectReadingAnswers int    `json:"incorrect_reading_answers"`
	CreatedAt               string `json:"created_at,omitempty"`
}
