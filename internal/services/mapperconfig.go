package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/mapper"
	"github.com/personakit/personakit-backend/internal/repos"
	"github.com/personakit/personakit-backend/internal/types"
)

type MapperConfigService interface {
	Upload(ctx context.Context, raw []byte, createdBy string) (*types.MapperConfig, error)
	Activate(ctx context.Context, configID string, version int) (*types.MapperConfig, error)
	GetActive(ctx context.Context, configID string) (*types.MapperConfig, error)
	GetVersion(ctx context.Context, configID string, version int) (*types.MapperConfig, error)
	ListVersions(ctx context.Context, configID string) ([]types.MapperConfig, error)
	TrackUsage(id uuid.UUID)
}

type mapperConfigService struct {
	db      *gorm.DB
	mappers repos.MapperConfigRepo
	log     *logger.Logger
}

func NewMapperConfigService(db *gorm.DB, mappers repos.MapperConfigRepo, log *logger.Logger) MapperConfigService {
	return &mapperConfigService{
		db:      db,
		mappers: mappers,
		log:     log.With("service", "MapperConfigService"),
	}
}

// Upload validates the document and stores it as a new draft version.
// Uploads are YAML or JSON; what lands in the database is always the
// canonical JSON form of the parsed document.
func (s *mapperConfigService) Upload(ctx context.Context, raw []byte, createdBy string) (*types.MapperConfig, error) {
	doc, err := mapper.Parse(raw)
	if err != nil {
		return nil, apierr.Validation(err)
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	cfg := &types.MapperConfig{
		ConfigID:  doc.Metadata.ID,
		Document:  canonical,
		CreatedBy: createdBy,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.mappers.CreateNextVersion(ctx, tx, cfg)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("mapper version uploaded",
		"config_id", cfg.ConfigID,
		"version", cfg.Version,
		"rules", len(doc.Rules),
	)
	return cfg, nil
}

func (s *mapperConfigService) Activate(ctx context.Context, configID string, version int) (*types.MapperConfig, error) {
	var activated *types.MapperConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		activated, err = s.mappers.Activate(ctx, tx, configID, version)
		return err
	})
	if errors.Is(err, repos.ErrMapperVersionNotFound) {
		return nil, apierr.NotFound("mapper version")
	}
	if err != nil {
		return nil, err
	}
	return activated, nil
}

func (s *mapperConfigService) GetActive(ctx context.Context, configID string) (*types.MapperConfig, error) {
	cfg, err := s.mappers.GetActive(ctx, nil, configID)
	if errors.Is(err, repos.ErrNoActiveMapperVersion) {
		return nil, apierr.ConfigNotFound(configID)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *mapperConfigService) GetVersion(ctx context.Context, configID string, version int) (*types.MapperConfig, error) {
	cfg, err := s.mappers.GetVersion(ctx, nil, configID, version)
	if errors.Is(err, repos.ErrMapperVersionNotFound) {
		return nil, apierr.NotFound("mapper version")
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *mapperConfigService) ListVersions(ctx context.Context, configID string) ([]types.MapperConfig, error) {
	versions, err := s.mappers.ListVersions(ctx, nil, configID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, apierr.NotFound("mapper config")
	}
	return versions, nil
}

// TrackUsage bumps usage counters off the request path. Generation never
// waits on it and never fails because of it.
func (s *mapperConfigService) TrackUsage(id uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.mappers.RecordUsage(ctx, nil, id); err != nil {
			s.log.Warn("failed to record mapper usage", "mapper_config_id", id.String(), "error", err)
		}
	}()
}
