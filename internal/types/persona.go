package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Persona is ephemeral: written once at generation time, never updated,
// superseded by generating a new one. expires_at enforces the short
// validity window.
type Persona struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PersonID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"person_id"`
	MapperID         string         `gorm:"not null;column:mapper_id" json:"mapper_id"`
	MapperConfigID   uuid.UUID      `gorm:"type:uuid;not null;column:mapper_config_id" json:"mapper_config_id"`
	MapperVersion    int            `gorm:"not null;column:mapper_version" json:"mapper_version"`
	Core             datatypes.JSON `gorm:"type:jsonb;not null;column:core" json:"core"`
	Overlay          datatypes.JSON `gorm:"type:jsonb;not null;column:overlay" json:"overlay"`
	NarrativeContext datatypes.JSON `gorm:"type:jsonb;column:narrative_context" json:"narrative_context,omitempty"`
	ExpiresAt        time.Time      `gorm:"not null;index;column:expires_at" json:"expires_at"`
	CreatedAt        time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (Persona) TableName() string {
	return "persona"
}
