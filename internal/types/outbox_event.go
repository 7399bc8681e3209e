package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusDone       = "done"
	OutboxStatusFailed     = "failed"
)

const (
	EventObservationProcess = "observation.process"
	EventNarrativeEmbed     = "narrative.embed"
	EventNarrativeLink      = "narrative.link"
)

// OutboxEvent is written in the same transaction as the state change that
// produced it and consumed at-least-once by the worker pool. created_at
// ordering within an aggregate_id is the FIFO guarantee the claim query
// preserves.
type OutboxEvent struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	AggregateType string         `gorm:"not null;column:aggregate_type" json:"aggregate_type"`
	AggregateID   uuid.UUID      `gorm:"type:uuid;not null;index;column:aggregate_id" json:"aggregate_id"`
	EventType     string         `gorm:"not null;column:event_type" json:"event_type"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null;column:payload" json:"payload"`
	Status        string         `gorm:"not null;default:'pending';index;column:status" json:"status"`
	Attempts      int            `gorm:"not null;default:0;column:attempts" json:"attempts"`
	LastError     string         `gorm:"column:last_error" json:"last_error,omitempty"`
	RunAfter      time.Time      `gorm:"not null;default:now();index;column:run_after" json:"run_after"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_event"
}
