package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/types"
)

// NarrativeHit is one similarity search result. Similarity is cosine,
// already converted from pgvector's distance.
type NarrativeHit struct {
	ID            uuid.UUID `json:"id"`
	Content       string    `json:"content"`
	NarrativeType string    `json:"narrative_type"`
	Similarity    float64   `json:"similarity"`
	CreatedAt     time.Time `json:"created_at"`
}

type NarrativeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, narrative *types.Narrative) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Narrative, error)
	SetEmbedding(ctx context.Context, tx *gorm.DB, id uuid.UUID, embedding pgvector.Vector) error
	Search(ctx context.Context, tx *gorm.DB, personID uuid.UUID, query pgvector.Vector, minSimilarity float64, topK int) ([]NarrativeHit, error)
	CreateLink(ctx context.Context, tx *gorm.DB, link *types.TraitNarrativeLink) error
	LinksByTraitPath(ctx context.Context, tx *gorm.DB, personID uuid.UUID, traitPath string) ([]types.TraitNarrativeLink, error)
}

type narrativeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNarrativeRepo(db *gorm.DB, log *logger.Logger) NarrativeRepo {
	return &narrativeRepo{db: db, log: log.With("repo", "NarrativeRepo")}
}

func (r *narrativeRepo) Create(ctx context.Context, tx *gorm.DB, narrative *types.Narrative) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Create(narrative).Error
}

func (r *narrativeRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Narrative, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var narrative types.Narrative
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&narrative).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &narrative, nil
}

func (r *narrativeRepo) SetEmbedding(ctx context.Context, tx *gorm.DB, id uuid.UUID, embedding pgvector.Vector) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Narrative{}).
		Where("id = ?", id).
		Update("embedding", embedding).Error
}

// Search orders by cosine distance so the HNSW index is used, ties broken
// by recency. Narratives still waiting for their embedding are invisible
// to search.
func (r *narrativeRepo) Search(ctx context.Context, tx *gorm.DB, personID uuid.UUID, query pgvector.Vector, minSimilarity float64, topK int) ([]NarrativeHit, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if topK <= 0 {
		topK = 5
	}
	var hits []NarrativeHit
	err := transaction.WithContext(ctx).Raw(`
		SELECT id, raw_text AS content, narrative_type, created_at,
		       1 - (embedding <=> ?) AS similarity
		FROM narrative
		WHERE person_id = ?
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> ?) >= ?
		ORDER BY embedding <=> ?, created_at DESC
		LIMIT ?`,
		query, personID, query, minSimilarity, query, topK,
	).Scan(&hits).Error
	if err != nil {
		r.log.Error("narrative search failed", "person_id", personID.String(), "error", err)
		return nil, err
	}
	return hits, nil
}

func (r *narrativeRepo) CreateLink(ctx context.Context, tx *gorm.DB, link *types.TraitNarrativeLink) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	// Redelivered narrative.link events hit the unique (narrative, path)
	// index; DoNothing keeps them idempotent.
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(link).Error
}

func (r *narrativeRepo) LinksByTraitPath(ctx context.Context, tx *gorm.DB, personID uuid.UUID, traitPath string) ([]types.TraitNarrativeLink, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var links []types.TraitNarrativeLink
	err := transaction.WithContext(ctx).
		Where("person_id = ? AND trait_path = ?", personID, traitPath).
		Order("created_at DESC").
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	return links, nil
}
