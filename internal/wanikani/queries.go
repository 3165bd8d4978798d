package wanikani

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// joinInt64s renders an ID list as the comma-separated form the API's
// filter parameters take.
func joinInt64s(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func setBool(vals url.Values, key string, v *bool) {
	if v != nil {
		vals.Set(key, strconv.FormatBool(*v))
	}
}

func setTime(vals url.Values, key string, t time.Time) {
	if !t.IsZero() {
		vals.Set(key, t.UTC().Format(time.RFC3339))
	}
}

// Bool is a convenience for the optional boolean filters.
func Bool(v bool) *bool { return &v }

// SubjectsQuery filters GET subjects.
type SubjectsQuery struct {
	IDs          []int64
	Types        []string
	Levels       []int
	Hidden       *bool
	UpdatedAfter string
}

func (q SubjectsQuery) values() url.Values {
	vals := url.Values{}
	if len(q.IDs) > 0 {
		vals.Set("ids", joinInt64s(q.IDs))
	}
	if len(q.Types) > 0 {
		vals.Set("types", strings.Join(q.Types, ","))
	}
	if len(q.Levels) > 0 {
		vals.Set("levels", joinInts(q.Levels))
	}
	setBool(vals, "hidden", q.Hidden)
	if q.UpdatedAfter != "" {
		vals.Set("updated_after", q.UpdatedAfter)
	}
	return vals
}

// AssignmentsQuery filters GET assignments.
type AssignmentsQuery struct {
	IDs             []int64
	SubjectIDs      []int64
	Levels          []int
	SRSStages       []int
	AvailableAfter  time.Time
	AvailableBefore time.Time
	Burned          *bool
	Hidden          *bool
	Started         *bool
	Unlocked        *bool
	InReview        *bool
	UpdatedAfter    string

	// These two mirror the API's presence-style filters for assignments
	// that are actionable right now.
	ImmediatelyAvailableForLessons bool
	ImmediatelyAvailableForReview  bool
}

func (q AssignmentsQuery) values() url.Values {
	vals := url.Values{}
	if len(q.IDs) > 0 {
		vals.Set("ids", joinInt64s(q.IDs))
	}
	if len(q.SubjectIDs) > 0 {
		vals.Set("subject_ids", joinInt64s(q.SubjectIDs))
	}
	if len(q.Levels) > 0 {
		vals.Set("levels", joinInts(q.Levels))
	}
	if len(q.SRSStages) > 0 {
		vals.Set("srs_stages", joinInts(q.SRSStages))
	}
	setTime(vals, "available_after", q.AvailableAfter)
	setTime(vals, "available_before", q.AvailableBefore)
	setBool(vals, "burned", q.Burned)
	setBool(vals, "hidden", q.Hidden)
	setBool(vals, "started", q.Started)
	setBool(vals, "unlocked", q.Unlocked)
	setBool(vals, "in_review", q.InReview)
	if q.ImmediatelyAvailableForLessons {
		vals.Set("immediately_available_for_lessons", "true")
	}
	if q.ImmediatelyAvailableForReview {
		vals.Set("immediately_available_for_review", "true")
	}
	if q.UpdatedAfter != "" {
		vals.Set("updated_after", q.UpdatedAfter)
	}
	return vals
}

// StudyMaterialsQuery filters GET study_materials.
type StudyMaterialsQuery struct {
	SubjectIDs   []int64
	SubjectTypes []string
	UpdatedAfter string
}

func (q StudyMaterialsQuery) values() url.Values {
	vals := url.Values{}
	if len(q.SubjectIDs) > 0 {
		vals.Set("subject_ids", joinInt64s(q.SubjectIDs))
	}
	if len(q.SubjectTypes) > 0 {
		vals.Set("subject_types", strings.Join(q.SubjectTypes, ","))
	}
	if q.UpdatedAfter != "" {
		vals.Set("updated_after", q.UpdatedAfter)
	}
	return vals
}
