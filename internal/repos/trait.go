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

// TraitRepo manages the append-then-supersede trait history. The current
// value of a (person, path) pair is the single row with a null
// superseded_at; the partial unique index keeps that true under
// concurrent writers.
type TraitRepo interface {
	CurrentByPerson(ctx context.Context, tx *gorm.DB, personID uuid.UUID) ([]types.Trait, error)
	Current(ctx context.Context, tx *gorm.DB, personID uuid.UUID, path string) (*types.Trait, error)
	Replace(ctx context.Context, tx *gorm.DB, trait *types.Trait) error
	HistoryByPath(ctx context.Context, tx *gorm.DB, personID uuid.UUID, path string, limit int) ([]types.Trait, error)
}

type traitRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTraitRepo(db *gorm.DB, log *logger.Logger) TraitRepo {
	return &traitRepo{db: db, log: log.With("repo", "TraitRepo")}
}

func (r *traitRepo) CurrentByPerson(ctx context.Context, tx *gorm.DB, personID uuid.UUID) ([]types.Trait, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var traits []types.Trait
	err := transaction.WithContext(ctx).
		Where("person_id = ? AND superseded_at IS NULL", personID).
		Order("path ASC").
		Find(&traits).Error
	if err != nil {
		r.log.Error("failed to load current traits", "person_id", personID.String(), "error", err)
		return nil, err
	}
	return traits, nil
}

func (r *traitRepo) Current(ctx context.Context, tx *gorm.DB, personID uuid.UUID, path string) (*types.Trait, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var trait types.Trait
	err := transaction.WithContext(ctx).
		Where("person_id = ? AND path = ? AND superseded_at IS NULL", personID, path).
		First(&trait).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trait, nil
}

// Replace supersedes the current row for (person, path), if any, and
// inserts trait as the new current value. Callers run it inside a
// transaction together with the merge that produced the new value.
func (r *traitRepo) Replace(ctx context.Context, tx *gorm.DB, trait *types.Trait) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	err := transaction.WithContext(ctx).
		Model(&types.Trait{}).
		Where("person_id = ? AND path = ? AND superseded_at IS NULL", trait.PersonID, trait.Path).
		Update("superseded_at", now).Error
	if err != nil {
		return err
	}
	return transaction.WithContext(ctx).Create(trait).Error
}

func (r *traitRepo) HistoryByPath(ctx context.Context, tx *gorm.DB, personID uuid.UUID, path string, limit int) ([]types.Trait, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var traits []types.Trait
	err := transaction.WithContext(ctx).
		Where("person_id = ? AND path = ?", personID, path).
		Order("created_at DESC").
		Limit(limit).
		Find(&traits).Error
	if err != nil {
		return nil, err
	}
	return traits, nil
}
