package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/types"
)

var (
	ErrMapperVersionNotFound = errors.New("mapper version not found")
	ErrNoActiveMapperVersion = errors.New("no active mapper version")
)

type MapperConfigRepo interface {
	CreateNextVersion(ctx context.Context, tx *gorm.DB, cfg *types.MapperConfig) error
	Activate(ctx context.Context, tx *gorm.DB, configID string, version int) (*types.MapperConfig, error)
	GetActive(ctx context.Context, tx *gorm.DB, configID string) (*types.MapperConfig, error)
	GetVersion(ctx context.Context, tx *gorm.DB, configID string, version int) (*types.MapperConfig, error)
	ListVersions(ctx context.Context, tx *gorm.DB, configID string) ([]types.MapperConfig, error)
	RecordUsage(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type mapperConfigRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMapperConfigRepo(db *gorm.DB, log *logger.Logger) MapperConfigRepo {
	return &mapperConfigRepo{db: db, log: log.With("repo", "MapperConfigRepo")}
}

// CreateNextVersion assigns version max+1 under a row lock on the newest
// existing version. Two uploads racing past the lock fall on the
// (config_id, version) unique index and one of them errors, which is the
// right outcome for concurrent uploads of the same config.
func (r *mapperConfigRepo) CreateNextVersion(ctx context.Context, tx *gorm.DB, cfg *types.MapperConfig) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var latest types.MapperConfig
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("config_id = ?", cfg.ConfigID).
		Order("version DESC").
		First(&latest).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg.Version = 1
	case err != nil:
		return err
	default:
		cfg.Version = latest.Version + 1
	}
	cfg.Status = types.MapperStatusDraft
	return transaction.WithContext(ctx).Create(cfg).Error
}

// Activate promotes (configID, version) and demotes whichever version was
// active. All rows of the config are locked first so two concurrent
// activations serialize; the partial unique index on active status is the
// backstop if they somehow do not.
func (r *mapperConfigRepo) Activate(ctx context.Context, tx *gorm.DB, configID string, version int) (*types.MapperConfig, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var versions []types.MapperConfig
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("config_id = ?", configID).
		Order("version ASC").
		Find(&versions).Error
	if err != nil {
		return nil, err
	}

	var target *types.MapperConfig
	for i := range versions {
		if versions[i].Version == version {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s v%d", ErrMapperVersionNotFound, configID, version)
	}
	if target.Status == types.MapperStatusActive {
		return target, nil
	}

	now := time.Now().UTC()
	err = transaction.WithContext(ctx).
		Model(&types.MapperConfig{}).
		Where("config_id = ? AND status = ?", configID, types.MapperStatusActive).
		Updates(map[string]any{"status": types.MapperStatusDeprecated, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}

	err = transaction.WithContext(ctx).
		Model(&types.MapperConfig{}).
		Where("id = ?", target.ID).
		Updates(map[string]any{"status": types.MapperStatusActive, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}
	target.Status = types.MapperStatusActive
	target.UpdatedAt = now
	r.log.Info("mapper version activated", "config_id", configID, "version", version)
	return target, nil
}

func (r *mapperConfigRepo) GetActive(ctx context.Context, tx *gorm.DB, configID string) (*types.MapperConfig, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var cfg types.MapperConfig
	err := transaction.WithContext(ctx).
		Where("config_id = ? AND status = ?", configID, types.MapperStatusActive).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveMapperVersion, configID)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *mapperConfigRepo) GetVersion(ctx context.Context, tx *gorm.DB, configID string, version int) (*types.MapperConfig, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var cfg types.MapperConfig
	err := transaction.WithContext(ctx).
		Where("config_id = ? AND version = ?", configID, version).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s v%d", ErrMapperVersionNotFound, configID, version)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *mapperConfigRepo) ListVersions(ctx context.Context, tx *gorm.DB, configID string) ([]types.MapperConfig, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var versions []types.MapperConfig
	err := transaction.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("version DESC").
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (r *mapperConfigRepo) RecordUsage(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.MapperConfig{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": time.Now().UTC(),
		}).Error
}
