package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ObservationTypeWorkSession   = "work_session"
	ObservationTypeUserInput     = "user_input"
	ObservationTypeCalendarEvent = "calendar_event"
)

// Observation is raw inbound signal. processed_at is stamped by the
// observation.process outbox handler so redeliveries are no-ops.
type Observation struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PersonID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"person_id"`
	ObservationType string         `gorm:"not null;column:observation_type" json:"observation_type"`
	Content         datatypes.JSON `gorm:"type:jsonb;not null;column:content" json:"content"`
	Metadata        datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (Observation) TableName() string {
	return "observation"
}
