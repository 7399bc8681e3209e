package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	MapperStatusDraft      = "draft"
	MapperStatusActive     = "active"
	MapperStatusDeprecated = "deprecated"
)

// MapperConfig is one immutable version of a mapper document. Lifecycle:
// draft -> active (via Activate, which demotes the prior active version)
// -> deprecated. At most one version per config_id is active; a partial
// unique index created in db.AutoMigrateAll backs the invariant.
type MapperConfig struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ConfigID   string         `gorm:"not null;uniqueIndex:idx_mapper_config_id_version;column:config_id" json:"config_id"`
	Version    int            `gorm:"not null;uniqueIndex:idx_mapper_config_id_version;column:version" json:"version"`
	Document   datatypes.JSON `gorm:"type:jsonb;not null;column:document" json:"document"`
	Status     string         `gorm:"not null;default:'draft';index:idx_mapper_config_status;column:status" json:"status"`
	CreatedBy  string         `gorm:"column:created_by" json:"created_by"`
	UsageCount int64          `gorm:"not null;default:0;column:usage_count" json:"usage_count"`
	LastUsedAt *time.Time     `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (MapperConfig) TableName() string {
	return "mapper_config"
}
