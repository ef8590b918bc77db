package models

import "time"

// CurrentState is the persisted belief of who is on call right now. There is
// exactly one row; it is replaced whole, never patched, and only ever written
// under the rotation writer lock.
type CurrentState struct {
	SprintIndex int               `json:"sprint_index"`
	Assignments map[string]string `json:"assignments"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers can diff against later reads.
func (s CurrentState) Clone() CurrentState {
	out := CurrentState{SprintIndex: s.SprintIndex, UpdatedAt: s.UpdatedAt}
	if s.Assignments != nil {
		out.Assignments = make(map[string]string, len(s.Assignments))
		for k, v := range s.Assignments {
			out.Assignments[k] = v
		}
	}
	return out
}
