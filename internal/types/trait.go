package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Trait is one confidence-scored value at a dot-delimited path, e.g.
// "work.focus_duration". Writes are append-then-supersede: the current
// value is the row with superseded_at IS NULL, older rows stay around for
// timeline queries.
type Trait struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PersonID     uuid.UUID      `gorm:"type:uuid;not null;index:idx_trait_person_path" json:"person_id"`
	Path         string         `gorm:"not null;index:idx_trait_person_path;column:path" json:"path"`
	Value        datatypes.JSON `gorm:"type:jsonb;not null;column:value" json:"value"`
	Confidence   float64        `gorm:"not null;column:confidence" json:"confidence"`
	SampleSize   int            `gorm:"not null;default:1;column:sample_size" json:"sample_size"`
	SupersededAt *time.Time     `gorm:"column:superseded_at;index" json:"superseded_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Trait) TableName() string {
	return "trait"
}
