package db

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/types"
	"github.com/personakit/personakit-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(logg *logger.Logger) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", logg)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", logg)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", logg)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", logg)
	postgresName := utils.GetEnv("POSTGRES_NAME", "personakit", logg)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser,
		postgresPassword,
		postgresHost,
		postgresPort,
		postgresName,
	)

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) AutoMigrateAll() error {
	return Migrate(s.db)
}

// Migrate brings a database up to the current schema: extensions, GORM
// auto-migration for every model, then the constraint indexes. Exposed at
// package level so Postgres-backed tests can migrate their own database.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}
	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS vector;`).Error; err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	if err := gdb.AutoMigrate(
		&types.Trait{},
		&types.Narrative{},
		&types.TraitNarrativeLink{},
		&types.MapperConfig{},
		&types.Persona{},
		&types.Observation{},
		&types.OutboxEvent{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return createConstraintIndexes(gdb)
}

// Partial/expression indexes GORM tags cannot express. These back the two
// invariants the application must not be trusted alone with: one current
// trait value per (person, path), one active mapper version per config_id.
// The HNSW index keeps narrative similarity search sub-linear.
func createConstraintIndexes(gdb *gorm.DB) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trait_current
		   ON trait (person_id, path) WHERE superseded_at IS NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mapper_config_single_active
		   ON mapper_config (config_id) WHERE status = 'active';`,
		`CREATE INDEX IF NOT EXISTS idx_narrative_embedding_hnsw
		   ON narrative USING hnsw (embedding vector_cosine_ops);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_claim
		   ON outbox_event (status, run_after, created_at);`,
	}
	for _, stmt := range stmts {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
