package models

import "time"

// RotationMember is one slot in a discipline's ordered rotation list.
// Position is assigned once per member and never reused, so rotation order is
// an explicit contract rather than incidental row order. Inactive members
// keep their row but drop out of the modulo arithmetic.
type RotationMember struct {
	Discipline  string    `json:"discipline"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Position    int       `json:"position"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}
