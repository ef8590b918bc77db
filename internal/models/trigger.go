package models

import "time"

// CronTriggerAudit is an append-only record of one inbound webhook
// invocation, keyed by the external scheduler's correlation id. A replayed
// trigger id returns the recorded result instead of re-running the pipeline.
type CronTriggerAudit struct {
	ID          string     `json:"id"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Result      string     `json:"result"`
	Details     string     `json:"details,omitempty"`
}

// TriggerContext is the optional scheduling context carried by the webhook
// body. An empty body is valid; the pipeline then generates its own
// correlation id.
type TriggerContext struct {
	TriggerID   string     `json:"trigger_id,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}
