package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/types"
)

type ObservationRepo interface {
	Create(ctx context.Context, tx *gorm.DB, obs *types.Observation) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Observation, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	RecentByPerson(ctx context.Context, tx *gorm.DB, personID uuid.UUID, since time.Time, limit int) ([]types.Observation, error)
}

type observationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewObservationRepo(db *gorm.DB, log *logger.Logger) ObservationRepo {
	return &observationRepo{db: db, log: log.With("repo", "ObservationRepo")}
}

func (r *observationRepo) Create(ctx context.Context, tx *gorm.DB, obs *types.Observation) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Create(obs).Error
}

func (r *observationRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Observation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var obs types.Observation
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&obs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

func (r *observationRepo) MarkProcessed(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Observation{}).
		Where("id = ?", id).
		Update("processed_at", time.Now().UTC()).Error
}

func (r *observationRepo) RecentByPerson(ctx context.Context, tx *gorm.DB, personID uuid.UUID, since time.Time, limit int) ([]types.Observation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var observations []types.Observation
	err := transaction.WithContext(ctx).
		Where("person_id = ? AND created_at >= ?", personID, since).
		Order("created_at DESC").
		Limit(limit).
		Find(&observations).Error
	if err != nil {
		return nil, err
	}
	return observations, nil
}
