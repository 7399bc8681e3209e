package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/types"
)

type PersonaRepo interface {
	Create(ctx context.Context, tx *gorm.DB, persona *types.Persona) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Persona, error)
	LatestValid(ctx context.Context, tx *gorm.DB, personID uuid.UUID, mapperID string) (*types.Persona, error)
}

type personaRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPersonaRepo(db *gorm.DB, log *logger.Logger) PersonaRepo {
	return &personaRepo{db: db, log: log.With("repo", "PersonaRepo")}
}

func (r *personaRepo) Create(ctx context.Context, tx *gorm.DB, persona *types.Persona) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Create(persona).Error
}

func (r *personaRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Persona, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var persona types.Persona
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&persona).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &persona, nil
}

// LatestValid returns the newest unexpired persona for the pair, nil when
// none exists. Expired rows stay in the table but are never returned.
func (r *personaRepo) LatestValid(ctx context.Context, tx *gorm.DB, personID uuid.UUID, mapperID string) (*types.Persona, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var persona types.Persona
	err := transaction.WithContext(ctx).
		Where("person_id = ? AND mapper_id = ? AND expires_at > now()", personID, mapperID).
		Order("created_at DESC").
		First(&persona).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &persona, nil
}
