// Package unlock decides when locally-stored notes become studyable. A
// note is locked while any of its component subjects (the radicals a kanji
// is built from, the kanji a word is built from) is unmastered or while its
// level is too far ahead of the user's current level; locked notes keep
// their cards suspended. Unlocking releases cards in dependency order.
package unlock

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kmaglione/ankiwanikanisync/internal/collection"
	"github.com/kmaglione/ankiwanikanisync/internal/config"
	"github.com/kmaglione/ankiwanikanisync/internal/domain"
	"github.com/kmaglione/ankiwanikanisync/internal/wkid"
)

// tierStagger is the learning-due spacing between consecutive dependency
// tiers, so a kanji never comes up for study in the same batch as the
// radicals it is built from.
const tierStagger = 600 * time.Second

// MaxLevel is the highest WaniKani level.
const MaxLevel = 60

// Engine applies unlock decisions to the collection.
type Engine struct {
	col *collection.Collection
	cfg *config.Store
	log *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

// New returns an unlock engine over the given collection and config.
func New(col *collection.Collection, cfg *config.Store) *Engine {
	return &Engine{
		col: col,
		cfg: cfg,
		log: slog.Default(),
		now: time.Now,
	}
}

// UnlockNotes moves the given notes' cards into the learning queue,
// together with every note in their transitive component closure: a kanji
// pulls in its radicals, a word its kanji, and so on down. The closure is
// layered by dependency, and each non-empty tier's cards come due one
// stagger interval after the previous tier's, so study order follows
// dependency order.
func (e *Engine) UnlockNotes(notes []*domain.Note) error {
	if len(notes) == 0 {
		return nil
	}

	deps, err := e.componentClosure(notes)
	if err != nil {
		return err
	}
	tiers := deps.tiers()
	now := e.now()

	var updated []*domain.Card
	delay := time.Duration(0)
	for _, tier := range tiers {
		var due []*domain.Card
		for _, n := range tier {
			cards, err := e.col.CardsForNote(n.ID)
			if err != nil {
				return err
			}
			for _, card := range cards {
				if card.Queue != domain.QueueSuspended && card.Queue != domain.QueueNew {
					continue
				}
				card.Type = domain.CardTypeLearning
				card.Queue = domain.QueueLearning
				card.Due = now.Add(delay).Unix()
				due = append(due, card)
			}
		}
		if len(due) > 0 {
			updated = append(updated, due...)
			delay += tierStagger
		}
	}

	if len(updated) == 0 {
		return nil
	}
	e.log.Info("unlocking notes", "notes", len(deps.notes), "cards", len(updated), "tiers", len(tiers))
	return e.col.UpdateCards(updated)
}

// depGraph is the resolved component closure of an unlock batch. Each note
// is assigned a stable index on first encounter; edges point from a note's
// index to the indexes of its component notes.
type depGraph struct {
	notes []*domain.Note
	edges [][]int
	index map[int64]int
}

func (g *depGraph) add(n *domain.Note) int {
	if i, ok := g.index[n.SubjectID]; ok {
		return i
	}
	i := len(g.notes)
	g.index[n.SubjectID] = i
	g.notes = append(g.notes, n)
	g.edges = append(g.edges, nil)
	return i
}

// componentClosure resolves the transitive component closure of the given
// notes, fetching each frontier's unresolved components in one bulk query.
// Components without a local note are skipped.
func (e *Engine) componentClosure(notes []*domain.Note) (*depGraph, error) {
	g := &depGraph{index: make(map[int64]int, len(notes))}
	frontier := make([]int, 0, len(notes))
	for _, n := range notes {
		frontier = append(frontier, g.add(n))
	}

	for len(frontier) > 0 {
		var missing []int64
		seen := make(map[int64]bool)
		for _, i := range frontier {
			for _, comp := range wkid.Split(g.notes[i].Components) {
				if _, ok := g.index[comp]; !ok && !seen[comp] {
					seen[comp] = true
					missing = append(missing, comp)
				}
			}
		}
		resolved := make(map[int64]*domain.Note, len(missing))
		if len(missing) > 0 {
			compNotes, err := e.col.NotesForSubjects(missing)
			if err != nil {
				return nil, err
			}
			for _, n := range compNotes {
				resolved[n.SubjectID] = n
			}
		}

		var next []int
		for _, i := range frontier {
			for _, comp := range wkid.Split(g.notes[i].Components) {
				if comp == g.notes[i].SubjectID {
					continue
				}
				j, ok := g.index[comp]
				if !ok {
					n, found := resolved[comp]
					if !found {
						continue
					}
					j = g.add(n)
					next = append(next, j)
				}
				g.edges[i] = append(g.edges[i], j)
			}
		}
		frontier = next
	}
	return g, nil
}

// tiers splits the closure into layers such that every note's components
// appear in an earlier tier. Notes left over by a dependency cycle go into
// one final tier rather than being dropped.
func (g *depGraph) tiers() [][]*domain.Note {
	var tiers [][]*domain.Note
	placed := make([]bool, len(g.notes))
	remaining := len(g.notes)
	for remaining > 0 {
		var tier []int
		for i := range g.notes {
			if placed[i] {
				continue
			}
			ready := true
			for _, dep := range g.edges[i] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				tier = append(tier, i)
			}
		}
		if len(tier) == 0 {
			// Cycle: dump the remainder into a final tier.
			for i := range g.notes {
				if !placed[i] {
					tier = append(tier, i)
				}
			}
		}
		notes := make([]*domain.Note, 0, len(tier))
		for _, i := range tier {
			placed[i] = true
			notes = append(notes, g.notes[i])
		}
		remaining -= len(tier)
		tiers = append(tiers, notes)
	}
	return tiers
}

// noteMastered reports whether every card of the note has reached the
// mastery threshold.
func (e *Engine) noteMastered(n *domain.Note) (bool, error) {
	cards, err := e.col.CardsForNote(n.ID)
	if err != nil {
		return false, err
	}
	if len(cards) == 0 {
		return false, nil
	}
	for _, card := range cards {
		if !card.IsGuru(e.cfg.GuruInterval) {
			return false, nil
		}
	}
	return true, nil
}

// componentsMastered reports whether all of the note's component subjects
// have mastered notes locally. A component without a local note counts as
// unmastered.
func (e *Engine) componentsMastered(n *domain.Note) (bool, error) {
	components := wkid.Split(n.Components)
	if len(components) == 0 {
		return true, nil
	}

	compNotes, err := e.col.NotesForSubjects(components)
	if err != nil {
		return false, err
	}
	if len(compNotes) < len(components) {
		return false, nil
	}
	for _, comp := range compNotes {
		ok, err := e.noteMastered(comp)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// inLevelWindow reports whether the note's level is within the unlock-ahead
// window for its subject type.
func (e *Engine) inLevelWindow(n *domain.Note) bool {
	return n.Level <= e.cfg.CurrentLevel+e.cfg.UnlockExtraLevels(string(n.Type))
}

// eligible reports whether the note should be studyable at all: inside the
// level window with all components mastered.
func (e *Engine) eligible(n *domain.Note) (bool, error) {
	if !e.inLevelWindow(n) {
		return false, nil
	}
	return e.componentsMastered(n)
}

// UpdateDependents re-evaluates every note that lists the given subject as
// a component, releasing those that have become eligible. Called after a
// note reaches mastery so its dependents unlock promptly.
func (e *Engine) UpdateDependents(subjectID int64) error {
	dependents, err := e.col.NotesWithComponent(subjectID)
	if err != nil {
		return err
	}

	var release []*domain.Note
	for _, n := range dependents {
		ok, err := e.eligible(n)
		if err != nil {
			return err
		}
		if ok {
			release = append(release, n)
		}
	}
	return e.releaseSuspended(release)
}

// releaseSuspended moves suspended cards of the given notes into the new
// queue, making them available as lessons.
func (e *Engine) releaseSuspended(notes []*domain.Note) error {
	var updated []*domain.Card
	for _, n := range notes {
		cards, err := e.col.CardsForNote(n.ID)
		if err != nil {
			return err
		}
		for _, card := range cards {
			if !card.Suspended() {
				continue
			}
			card.Queue = domain.QueueNew
			updated = append(updated, card)
		}
	}
	if len(updated) == 0 {
		return nil
	}
	e.log.Info("releasing suspended cards", "cards", len(updated))
	return e.col.UpdateCards(updated)
}

// WindowLevels returns every level the unlock-ahead window currently
// reaches, for any subject type.
func (e *Engine) WindowLevels() []int {
	maxExtra := max(e.cfg.UnlockExtraLevelsRadical,
		max(e.cfg.UnlockExtraLevelsKanji, e.cfg.UnlockExtraLevelsVocab))
	var levels []int
	for l := 1; l <= min(e.cfg.CurrentLevel+maxExtra, MaxLevel); l++ {
		levels = append(levels, l)
	}
	return levels
}

// UnlockEligible moves every eligible-but-unstudied note in the given
// levels into the learning queue, staggered by dependency tier.
func (e *Engine) UnlockEligible(levels []int) error {
	notes, err := e.col.NotesForLevels(levels)
	if err != nil {
		return err
	}

	var batch []*domain.Note
	for _, n := range notes {
		ok, err := e.eligible(n)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		cards, err := e.col.CardsForNote(n.ID)
		if err != nil {
			return err
		}
		for _, card := range cards {
			if card.Queue == domain.QueueSuspended || card.Queue == domain.QueueNew {
				batch = append(batch, n)
				break
			}
		}
	}
	return e.UnlockNotes(batch)
}

// UpdateSuspendedCards reconciles the suspension state of all notes in the
// given levels: ineligible notes get their unstarted cards suspended,
// eligible notes get their suspended cards released.
func (e *Engine) UpdateSuspendedCards(levels []int) error {
	notes, err := e.col.NotesForLevels(levels)
	if err != nil {
		return err
	}

	var updated []*domain.Card
	for _, n := range notes {
		ok, err := e.eligible(n)
		if err != nil {
			return err
		}
		cards, err := e.col.CardsForNote(n.ID)
		if err != nil {
			return err
		}
		for _, card := range cards {
			switch {
			case !ok && card.Type == domain.CardTypeNew && card.Queue == domain.QueueNew:
				card.Queue = domain.QueueSuspended
				updated = append(updated, card)
			case ok && card.Suspended():
				card.Queue = domain.QueueNew
				updated = append(updated, card)
			}
		}
	}
	if len(updated) == 0 {
		return nil
	}
	e.log.Info("reconciling suspended cards", "levels", levels, "cards", len(updated))
	return e.col.UpdateCards(updated)
}

// levelComplete reports whether the kanji of a level are sufficiently
// mastered to advance past it. A level with no kanji counts as complete.
func (e *Engine) levelComplete(level int) (bool, error) {
	notes, err := e.col.NotesForLevels([]int{level})
	if err != nil {
		return false, err
	}

	total, mastered := 0, 0
	for _, n := range notes {
		if n.Type != domain.TypeKanji {
			continue
		}
		total++
		ok, err := e.noteMastered(n)
		if err != nil {
			return false, err
		}
		if ok {
			mastered++
		}
	}
	if total == 0 {
		return true, nil
	}
	return float64(mastered)/float64(total) >= e.cfg.LevelCompleteRatio, nil
}

// UpdateCurrentLevel advances the user's level past every completed level
// and reconciles suspension for the levels the wider window now reaches.
func (e *Engine) UpdateCurrentLevel() error {
	start := e.cfg.CurrentLevel
	level := start
	for level < MaxLevel {
		done, err := e.levelComplete(level)
		if err != nil {
			return err
		}
		if !done {
			break
		}
		level++
	}
	if level == start {
		return nil
	}

	if err := e.cfg.AdvanceLevel(level); err != nil {
		return fmt.Errorf("failed to advance level: %w", err)
	}

	// The unlock-ahead window moved: re-check every level it can now
	// reach beyond the old window.
	maxExtra := max(e.cfg.UnlockExtraLevelsRadical,
		max(e.cfg.UnlockExtraLevelsKanji, e.cfg.UnlockExtraLevelsVocab))
	var levels []int
	for l := start + 1; l <= min(level+maxExtra, MaxLevel); l++ {
		levels = append(levels, l)
	}
	return e.UpdateSuspendedCards(levels)
}
