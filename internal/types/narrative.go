package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

const (
	NarrativeTypeSelfObservation = "self_observation"
	NarrativeTypeCuration        = "curation"
)

// Narrative is immutable once created; corrections arrive as new curation
// narratives, never as edits. The embedding column is the only field
// written after insert (backfilled by the narrative.embed outbox handler).
type Narrative struct {
	ID             uuid.UUID        `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PersonID       uuid.UUID        `gorm:"type:uuid;not null;index" json:"person_id"`
	NarrativeType  string           `gorm:"not null;column:narrative_type" json:"narrative_type"`
	RawText        string           `gorm:"not null;column:raw_text" json:"raw_text"`
	Tags           datatypes.JSON   `gorm:"type:jsonb;column:tags" json:"tags"`
	Context        datatypes.JSON   `gorm:"type:jsonb;column:context" json:"context"`
	TraitPath      *string          `gorm:"column:trait_path" json:"trait_path,omitempty"`
	CurationAction *string          `gorm:"column:curation_action" json:"curation_action,omitempty"`
	Source         string           `gorm:"column:source" json:"source"`
	Embedding      *pgvector.Vector `gorm:"type:vector(1536);column:embedding" json:"-"`
	CreatedAt      time.Time        `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"not null;default:now()" json:"updated_at"`
}

func (Narrative) TableName() string {
	return "narrative"
}

// TraitNarrativeLink ties a curation narrative to the trait it targets.
type TraitNarrativeLink struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	NarrativeID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_link_narrative_path" json:"narrative_id"`
	PersonID    uuid.UUID `gorm:"type:uuid;not null;index" json:"person_id"`
	TraitPath   string    `gorm:"not null;uniqueIndex:idx_link_narrative_path;column:trait_path" json:"trait_path"`
	LinkType    string    `gorm:"not null;column:link_type" json:"link_type"`
	Confidence  float64   `gorm:"not null;default:1;column:confidence" json:"confidence"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (TraitNarrativeLink) TableName() string {
	return "trait_narrative_link"
}
