package wanikani

import (
	"encoding/json"
	"fmt"
	"time"
)

// SRSStage is one stage of a spaced repetition system. Interval is the time
// until the next review after reaching this stage; the unlocking and
// burning stages have none.
type SRSStage struct {
	Position    int
	Interval    time.Duration
	HasInterval bool
}

// SRS is a decoded spaced_repetition_system resource. Stages are ordered by
// position, with position matching the slice index.
type SRS struct {
	ID             int64
	Stages         []SRSStage
	UnlockingStage int
	StartingStage  int
	PassingStage   int
	BurningStage   int
}

type srsStagePayload struct {
	Interval     *float64 `json:"interval"`
	IntervalUnit string   `json:"interval_unit"`
	Position     int      `json:"position"`
}

type srsPayload struct {
	Stages                 []srsStagePayload `json:"stages"`
	UnlockingStagePosition int               `json:"unlocking_stage_position"`
	StartingStagePosition  int               `json:"starting_stage_position"`
	PassingStagePosition   int               `json:"passing_stage_position"`
	BurningStagePosition   int               `json:"burning_stage_position"`
}

var intervalUnits = map[string]time.Duration{
	"milliseconds": time.Millisecond,
	"seconds":      time.Second,
	"minutes":      time.Minute,
	"hours":        time.Hour,
	"days":         24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
}

// ParseSRS decodes a spaced_repetition_system resource envelope.
func ParseSRS(raw json.RawMessage) (*SRS, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode srs envelope: %w", err)
	}
	var data srsPayload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode srs %d: %w", env.ID, err)
	}

	srs := &SRS{
		ID:             env.ID,
		Stages:         make([]SRSStage, len(data.Stages)),
		UnlockingStage: data.UnlockingStagePosition,
		StartingStage:  data.StartingStagePosition,
		PassingStage:   data.PassingStagePosition,
		BurningStage:   data.BurningStagePosition,
	}
	for _, st := range data.Stages {
		if st.Position < 0 || st.Position >= len(data.Stages) {
			return nil, fmt.Errorf("srs %d has out-of-range stage position %d", env.ID, st.Position)
		}
		stage := SRSStage{Position: st.Position}
		if st.Interval != nil {
			unit, ok := intervalUnits[st.IntervalUnit]
			if !ok {
				return nil, fmt.Errorf("srs %d stage %d has unknown interval unit %q", env.ID, st.Position, st.IntervalUnit)
			}
			stage.Interval = time.Duration(*st.Interval) * unit
			stage.HasInterval = true
		}
		srs.Stages[st.Position] = stage
	}
	return srs, nil
}

// StageInterval returns the interval for a stage position, or zero when the
// stage has none or the position is out of range.
func (s *SRS) StageInterval(position int) (time.Duration, bool) {
	if position < 0 || position >= len(s.Stages) {
		return 0, false
	}
	st := s.Stages[position]
	return st.Interval, st.HasInterval
}

// NextStage projects the stage reached after a review at position. A lapse
// drops one stage but never below the starting stage; a pass climbs one
// stage but stops at the last stage that still has a review interval.
func (s *SRS) NextStage(position int, lapsed bool) int {
	if lapsed {
		if position <= s.StartingStage {
			return s.StartingStage
		}
		return position - 1
	}
	if last := len(s.Stages) - 2; position >= last {
		return last
	}
	return position + 1
}
