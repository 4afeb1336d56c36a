package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/types"
	"github.com/fableforge/fableforge-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "fableforge", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	serviceLog.Info("Connecting to Postgres...")
	theDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		serviceLog.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := theDB.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		serviceLog.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: theDB, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.Book{},
		&types.StoryUser{},
		&types.AutomationRun{},
		&types.AutomationEvent{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	if err := s.db.Exec(`
    ALTER TABLE "automation_event"
    DROP CONSTRAINT IF EXISTS "fk_automation_event_run_id";
  `).Error; err != nil {
		return fmt.Errorf("failed to reset fk_automation_event_run_id: %w", err)
	}
	if err := s.db.Exec(`
    ALTER TABLE "automation_event"
    ADD CONSTRAINT "fk_automation_event_run_id"
    FOREIGN KEY ("run_id")
    REFERENCES "automation_run"("id")
    ON DELETE CASCADE
  `).Error; err != nil {
		return fmt.Errorf("failed to add fk_automation_event_run_id: %w", err)
	}
	// Once-per-run event types get a uniqueness backstop so racing folds
	// cannot duplicate them; repeatable types (stage_changed, photo_*) stay
	// unconstrained.
	if err := s.db.Exec(`
    CREATE UNIQUE INDEX IF NOT EXISTS "uq_automation_event_run_once_type"
    ON "automation_event" ("run_id", "type")
    WHERE "type" IN ('training_completed', 'storybook_dispatched', 'storybook_completed', 'error')
  `).Error; err != nil {
		return fmt.Errorf("failed to add uq_automation_event_run_once_type: %w", err)
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
