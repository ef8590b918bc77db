package models

import "time"

// Override replaces the rotation's computed assignee for one discipline in
// one sprint. Once approved it applies unconditionally; at most one approved
// override exists per (sprint_index, discipline) at a time.
type Override struct {
	ID                string     `json:"id"`
	SprintIndex       int        `json:"sprint_index"`
	Discipline        string     `json:"discipline"`
	OriginalUserID    string     `json:"original_user_id,omitempty"`
	ReplacementUserID string     `json:"replacement_user_id"`
	RequestedBy       string     `json:"requested_by"`
	Approved          bool       `json:"approved"`
	ApprovedBy        string     `json:"approved_by,omitempty"`
	ApprovalTimestamp *time.Time `json:"approval_timestamp,omitempty"`
	SupersededBy      string     `json:"superseded_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// OverrideCreate is the input for requesting a coverage swap.
type OverrideCreate struct {
	SprintIndex       int    `json:"sprint_index" binding:"gte=0"`
	Discipline        string `json:"discipline" binding:"required"`
	OriginalUserID    string `json:"original_user_id,omitempty"`
	ReplacementUserID string `json:"replacement_user_id" binding:"required"`
	RequestedBy       string `json:"requested_by" binding:"required"`
}

// OverrideApprove is the input for approving a pending override. Supersede
// demotes an already-approved override for the same slot instead of
// rejecting the request.
type OverrideApprove struct {
	ApprovedBy string `json:"approved_by" binding:"required"`
	Supersede  bool   `json:"supersede,omitempty"`
}
