package models

import "time"

// Delivery statuses recorded on a NotificationSnapshot and echoed as the
// trigger audit result.
const (
	DeliveryDelivered = "delivered"
	DeliverySkipped   = "skipped"
	DeliveryDeferred  = "deferred"
	DeliveryError     = "error"
)

// NotificationSnapshot is an append-only record of the assignment map seen by
// one pipeline run. Hash is a stable content hash of Assignments used for
// cheap equality checks against the previous snapshot.
type NotificationSnapshot struct {
	ID             string            `json:"id"`
	CapturedAt     time.Time         `json:"captured_at"`
	Assignments    map[string]string `json:"assignments"`
	Hash           string            `json:"hash"`
	DeliveryStatus string            `json:"delivery_status"`
	DeliveryReason string            `json:"delivery_reason,omitempty"`
	TriggerRef     string            `json:"trigger_ref,omitempty"`
	NextDelivery   *time.Time        `json:"next_delivery,omitempty"`
}
