// Package config holds the persisted plugin configuration. Unlike typical
// add-on config layers there is no implicit persistence: every mutation
// goes through an explicit setter that logs the write, and nothing touches
// disk until Save is called.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// MaxLevel is the highest level WaniKani defines.
const MaxLevel = 60

// Config is the full persisted configuration. Watermarks are RFC3339
// strings as returned by the WaniKani API, empty when never synced.
type Config struct {
	APIToken string `koanf:"api_token"`
	DeckName string `koanf:"deck_name"`
	AutoSync bool   `koanf:"auto_sync"`
	// SyncAll fetches the entire subject catalog instead of only unlocked
	// assignments' subjects.
	SyncAll bool `koanf:"sync_all"`

	// GuruInterval is the review interval, in days, past which a card
	// counts as mastered for unlock purposes.
	GuruInterval int `koanf:"guru_interval" validate:"min=1"`
	// LevelCompleteRatio is the kanji mastery ratio required to advance
	// the current level.
	LevelCompleteRatio float64 `koanf:"level_complete_ratio" validate:"gte=0,lte=1"`

	UnlockExtraLevelsRadical int `koanf:"unlock_extra_levels_radical" validate:"min=0"`
	UnlockExtraLevelsKanji   int `koanf:"unlock_extra_levels_kanji" validate:"min=0"`
	UnlockExtraLevelsVocab   int `koanf:"unlock_extra_levels_vocab" validate:"min=0"`

	SyncIntervalLessons    time.Duration `koanf:"sync_interval_lessons"`
	SyncIntervalDue        time.Duration `koanf:"sync_interval_due"`
	SyncIntervalReviewsMax time.Duration `koanf:"sync_interval_reviews_max"`

	CurrentLevel int `koanf:"current_level" validate:"min=1,max=60"`

	LastSubjectsSync    string `koanf:"last_subjects_sync"`
	LastAssignmentsSync string `koanf:"last_assignments_sync"`
	LastLessonsSync     string `koanf:"last_lessons_sync"`
	LastDueSync         string `koanf:"last_due_sync"`
}

// Defaults returns the configuration used before any file, environment, or
// flag overrides.
func Defaults() Config {
	return Config{
		DeckName:                 "WaniKani Sync",
		GuruInterval:             5,
		LevelCompleteRatio:       0.9,
		UnlockExtraLevelsRadical: 1,
		SyncIntervalLessons:      time.Hour,
		SyncIntervalDue:          time.Hour,
		SyncIntervalReviewsMax:   24 * time.Hour,
		CurrentLevel:             1,
	}
}

// Store is a Config bound to its backing file.
type Store struct {
	Config

	path string
	log  *slog.Logger
}

// Load reads configuration from path (if it exists), then environment
// variables prefixed WK_, then the given flag set, and validates the
// result. A missing file is not an error; the defaults apply.
func Load(path string, flags *pflag.FlagSet) (*Store, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("WK_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "WK_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flag config: %w", err)
		}
	}

	cfg := Defaults()
	conf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, conf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Store{Config: cfg, path: path, log: slog.Default()}, nil
}

// Save writes the current configuration back to its file.
func (s *Store) Save() error {
	out := map[string]interface{}{
		"api_token":                   s.APIToken,
		"deck_name":                   s.DeckName,
		"auto_sync":                   s.AutoSync,
		"sync_all":                    s.SyncAll,
		"guru_interval":               s.GuruInterval,
		"level_complete_ratio":        s.LevelCompleteRatio,
		"unlock_extra_levels_radical": s.UnlockExtraLevelsRadical,
		"unlock_extra_levels_kanji":   s.UnlockExtraLevelsKanji,
		"unlock_extra_levels_vocab":   s.UnlockExtraLevelsVocab,
		"sync_interval_lessons":       s.SyncIntervalLessons.String(),
		"sync_interval_due":           s.SyncIntervalDue.String(),
		"sync_interval_reviews_max":   s.SyncIntervalReviewsMax.String(),
		"current_level":               s.CurrentLevel,
		"last_subjects_sync":          s.LastSubjectsSync,
		"last_assignments_sync":       s.LastAssignmentsSync,
		"last_lessons_sync":           s.LastLessonsSync,
		"last_due_sync":               s.LastDueSync,
	}

	data, err := yaml.Parser().Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", s.path, err)
	}
	return nil
}

// UnlockExtraLevels returns the unlock-ahead window for a subject type.
func (c *Config) UnlockExtraLevels(subjectType string) int {
	switch subjectType {
	case "kanji":
		return c.UnlockExtraLevelsKanji
	case "radical":
		return c.UnlockExtraLevelsRadical
	default:
		return c.UnlockExtraLevelsVocab
	}
}

// AdvanceLevel raises the current level. The level counter is monotonic;
// attempts to lower it are rejected.
func (s *Store) AdvanceLevel(level int) error {
	if level < s.CurrentLevel {
		return fmt.Errorf("current level may not decrease (%d -> %d)", s.CurrentLevel, level)
	}
	if level == s.CurrentLevel {
		return nil
	}
	s.log.Info("advancing current level", "from", s.CurrentLevel, "to", level)
	s.CurrentLevel = level
	return s.Save()
}

// SetWatermark records a per-resource last-synced timestamp.
func (s *Store) SetWatermark(resource, timestamp string) error {
	s.log.Debug("updating sync watermark", "resource", resource, "timestamp", timestamp)
	switch resource {
	case "subjects":
		s.LastSubjectsSync = timestamp
	case "assignments":
		s.LastAssignmentsSync = timestamp
	case "lessons":
		s.LastLessonsSync = timestamp
	case "due":
		s.LastDueSync = timestamp
	default:
		return fmt.Errorf("unknown watermark resource %q", resource)
	}
	return s.Save()
}

// ClearWatermarks forgets all incremental-sync state, forcing the next sync
// to do a full refetch.
func (s *Store) ClearWatermarks() error {
	s.log.Info("clearing sync watermarks")
	s.LastSubjectsSync = ""
	s.LastAssignmentsSync = ""
	s.LastLessonsSync = ""
	s.LastDueSync = ""
	return s.Save()
}
