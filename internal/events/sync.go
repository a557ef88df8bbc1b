// Package events defines the payloads published after sync state changes.
package events

import "time"

const (
	// SyncCompletedType is the outbox event type written when a user's sync unit finishes.
	SyncCompletedType = "health.sync_completed"
	// SyncCompletedTopic is the Kafka topic carrying SyncCompleted.
	SyncCompletedTopic = "health_sync_completed"
	// SyncCompletedSubject is the Schema Registry subject of SyncCompleted.
	SyncCompletedSubject = SyncCompletedTopic + "-value"
)

// SyncCompleted is emitted once per successful sync unit.
type SyncCompleted struct {
	UserID        string    `json:"user_id"`
	StepsRecords  int       `json:"steps_records"`
	WeightRecords int       `json:"weight_records"`
	SleepRecords  int       `json:"sleep_records"`
	TotalRecords  int       `json:"total_records"`
	FailedStages  []string  `json:"failed_stages,omitempty"`
	SyncedAt      time.Time `json:"synced_at"`
}
