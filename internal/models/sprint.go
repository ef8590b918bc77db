package models

import "time"

// Sprint is one fixed calendar window of the rotation. Adjacent sprints may
// share a boundary date (sprint N ends the day sprint N+1 starts); the window
// resolver breaks that tie with the cutover hour.
type Sprint struct {
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SprintCreate is the input for creating a sprint. The index is assigned by
// the store, monotonically.
type SprintCreate struct {
	Name      string `json:"name" binding:"required"`
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
}

// SprintUpdate is the input for editing a sprint. Sprints are never deleted;
// every edit carries a reason for the audit log.
type SprintUpdate struct {
	Name      string `json:"name,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	EditedBy  string `json:"edited_by" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
}

// SprintEdit is an append-only audit record of a sprint edit.
type SprintEdit struct {
	ID          string    `json:"id"`
	SprintIndex int       `json:"sprint_index"`
	EditedBy    string    `json:"edited_by"`
	Reason      string    `json:"reason"`
	Changes     string    `json:"changes"`
	CreatedAt   time.Time `json:"created_at"`
}
