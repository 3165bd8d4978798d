package sync

import (
	"context"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/wanikani"
)

// defaultMaxLevel is the level cap assumed for accounts whose subscription
// data is missing: the free tier.
const defaultMaxLevel = 3

// availableSubjectIDs fetches the subject IDs of every unlocked assignment
// updated since the last assignments sync.
func (e *Engine) availableSubjectIDs(ctx context.Context) ([]int64, error) {
	query := wanikani.AssignmentsQuery{
		Unlocked:     wanikani.Bool(true),
		Hidden:       wanikani.Bool(false),
		UpdatedAfter: e.cfg.LastAssignmentsSync,
	}
	assignments, _, err := e.client.Assignments(ctx, query)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(assignments))
	for _, wa := range assignments {
		ids = append(ids, wa.Data.SubjectID)
	}
	return ids, nil
}

func levelsUpTo(maxLevel int) []int {
	levels := make([]int, 0, maxLevel)
	for l := 1; l <= maxLevel; l++ {
		levels = append(levels, l)
	}
	return levels
}

// fetchAllSubjectsInto fetches the whole subject catalog up to maxLevel.
func (e *Engine) fetchAllSubjectsInto(ctx context.Context, dst map[int64]wanikani.Subject, updatedAfter string, maxLevel int) error {
	subjects, _, err := e.client.Subjects(ctx, wanikani.SubjectsQuery{
		Levels:       levelsUpTo(maxLevel),
		UpdatedAfter: updatedAfter,
	})
	if err != nil {
		return err
	}
	for _, subj := range subjects {
		dst[subj.ID] = subj
	}
	return nil
}

// fetchSubjectsInto fetches the given subjects in bounded chunks. An empty
// ID list fetches nothing.
func (e *Engine) fetchSubjectsInto(ctx context.Context, dst map[int64]wanikani.Subject, ids []int64, updatedAfter string, maxLevel int) error {
	for _, chunk := range chunkInt64s(ids, fetchChunkSize) {
		subjects, _, err := e.client.Subjects(ctx, wanikani.SubjectsQuery{
			IDs:          chunk,
			Levels:       levelsUpTo(maxLevel),
			UpdatedAfter: updatedAfter,
		})
		if err != nil {
			return err
		}
		for _, subj := range subjects {
			dst[subj.ID] = subj
		}
	}
	return nil
}

// fetchAllStudyMaterials fetches every study material updated since the
// watermark.
func (e *Engine) fetchAllStudyMaterials(ctx context.Context, dst map[int64]*wanikani.StudyMaterialData, updatedAfter string) error {
	materials, _, err := e.client.StudyMaterials(ctx, wanikani.StudyMaterialsQuery{
		UpdatedAfter: updatedAfter,
	})
	if err != nil {
		return err
	}
	for i := range materials {
		dst[materials[i].Data.SubjectID] = &materials[i].Data
	}
	return nil
}

// fetchStudyMaterials fetches study materials for the given subjects in
// bounded chunks.
func (e *Engine) fetchStudyMaterials(ctx context.Context, dst map[int64]*wanikani.StudyMaterialData, subjectIDs []int64) error {
	for _, chunk := range chunkInt64s(subjectIDs, fetchChunkSize) {
		materials, _, err := e.client.StudyMaterials(ctx, wanikani.StudyMaterialsQuery{
			SubjectIDs: chunk,
		})
		if err != nil {
			return err
		}
		for i := range materials {
			dst[materials[i].Data.SubjectID] = &materials[i].Data
		}
	}
	return nil
}

// fetchCatalog assembles the subjects and study materials a sync pass
// needs. In normal operation only subjects with unlocked assignments (plus
// subjects already in the collection) are fetched; with sync_all set, the
// whole catalog up to the granted level is. Incremental watermarks keep
// repeat fetches small while study-material edits still pull in their
// subjects.
func (e *Engine) fetchCatalog(ctx context.Context, maxLevel int) (map[int64]wanikani.Subject, map[int64]*wanikani.StudyMaterialData, error) {
	lastSync := e.cfg.LastSubjectsSync

	var subjectIDs []int64
	existing := make(map[int64]bool)
	if !e.cfg.SyncAll {
		ids, err := e.availableSubjectIDs(ctx)
		if err != nil {
			return nil, nil, err
		}
		subjectIDs = ids

		existingIDs, err := e.col.AllSubjectIDs()
		if err != nil {
			return nil, nil, err
		}
		for _, id := range existingIDs {
			existing[id] = true
		}
	}

	subjects := make(map[int64]wanikani.Subject)
	if e.cfg.SyncAll {
		if err := e.fetchAllSubjectsInto(ctx, subjects, lastSync, maxLevel); err != nil {
			return nil, nil, err
		}
	} else {
		// ID-filtered queries must not also be time-filtered, or subjects
		// unlocked long ago would be skipped.
		if err := e.fetchSubjectsInto(ctx, subjects, subjectIDs, "", maxLevel); err != nil {
			return nil, nil, err
		}
	}

	materials := make(map[int64]*wanikani.StudyMaterialData)
	if err := e.fetchAllStudyMaterials(ctx, materials, lastSync); err != nil {
		return nil, nil, err
	}
	materialIDs := make(map[int64]bool, len(materials))
	for id := range materials {
		materialIDs[id] = true
	}

	if !e.cfg.SyncAll {
		// Only keep study-material subjects we would fetch anyway.
		wanted := make(map[int64]bool, len(subjectIDs)+len(existing))
		for _, id := range subjectIDs {
			wanted[id] = true
		}
		for id := range existing {
			wanted[id] = true
		}
		for id := range materialIDs {
			if !wanted[id] {
				delete(materialIDs, id)
			}
		}

		// Refresh subjects already in the collection that the main fetch
		// missed.
		var refresh []int64
		for id := range existing {
			if _, ok := subjects[id]; !ok {
				refresh = append(refresh, id)
			}
		}
		if err := e.fetchSubjectsInto(ctx, subjects, refresh, lastSync, maxLevel); err != nil {
			return nil, nil, err
		}
	}

	if lastSync != "" || !e.cfg.SyncAll {
		// Subjects whose study materials changed still need their data.
		var missing []int64
		for id := range materialIDs {
			if _, ok := subjects[id]; !ok {
				missing = append(missing, id)
			}
		}
		if err := e.fetchSubjectsInto(ctx, subjects, missing, "", maxLevel); err != nil {
			return nil, nil, err
		}
	}

	if lastSync != "" {
		// On incremental syncs, subjects may have updated without their
		// study materials doing so; fetch those materials explicitly.
		var stale []int64
		for _, id := range subjectIDs {
			if !materialIDs[id] {
				stale = append(stale, id)
			}
		}
		for id := range existing {
			if !materialIDs[id] {
				stale = append(stale, id)
			}
		}
		if err := e.fetchStudyMaterials(ctx, materials, stale); err != nil {
			return nil, nil, err
		}
	}

	return subjects, materials, nil
}

// DoSync performs a full sync pass: import new and updated subjects as
// notes, reconcile card suspension against the unlock window, and pull
// remote scheduling into local cards. Watermarks are only advanced once
// the whole pass has succeeded, so an interrupted sync repeats work
// instead of losing it. Returns the number of subjects processed.
func (e *Engine) DoSync(ctx context.Context) (int, error) {
	if e.cfg.APIToken == "" {
		return 0, ErrNoAPIToken
	}
	start := e.now().UTC().Format(time.RFC3339)

	user, err := e.client.User(ctx)
	if err != nil {
		return 0, err
	}
	maxLevel := user.Data.Subscription.MaxLevelGranted
	if maxLevel <= 0 {
		maxLevel = defaultMaxLevel
	}

	subjects, materials, err := e.fetchCatalog(ctx, maxLevel)
	if err != nil {
		return 0, err
	}

	list := make([]wanikani.Subject, 0, len(subjects))
	for _, subj := range subjects {
		list = append(list, subj)
	}
	if err := e.imp.EnsureNotes(list, materials); err != nil {
		return 0, err
	}

	if err := e.unlocks.UpdateSuspendedCards(e.unlocks.WindowLevels()); err != nil {
		return 0, err
	}

	if _, err := e.UpdateIntervals(ctx); err != nil {
		return 0, err
	}

	if err := e.cfg.SetWatermark("subjects", start); err != nil {
		return 0, err
	}
	if !e.cfg.SyncAll {
		if err := e.cfg.SetWatermark("assignments", start); err != nil {
			return 0, err
		}
	}

	e.log.Info("sync complete", "subjects", len(list))
	return len(list), nil
}
