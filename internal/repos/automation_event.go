package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/types"
)

type AutomationEventRepo interface {
	// Append inserts new audit rows. There is deliberately no update or delete.
	Append(ctx context.Context, tx *gorm.DB, events []*types.AutomationEvent) ([]*types.AutomationEvent, error)
	ListByRunID(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*types.AutomationEvent, error)
	CountByRunAndType(ctx context.Context, tx *gorm.DB, runID uuid.UUID, eventType string) (int64, error)
}

type automationEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAutomationEventRepo(db *gorm.DB, baseLog *logger.Logger) AutomationEventRepo {
	return &automationEventRepo{db: db, log: baseLog.With("repo", "AutomationEventRepo")}
}

func (r *automationEventRepo) Append(ctx context.Context, tx *gorm.DB, events []*types.AutomationEvent) ([]*types.AutomationEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(events) == 0 {
		return []*types.AutomationEvent{}, nil
	}
	// The partial unique index on (run_id, type) dedupes once-per-run event
	// types when concurrent folds race the count check.
	if err := transaction.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *automationEventRepo) ListByRunID(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*types.AutomationEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AutomationEvent
	if runID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *automationEventRepo) CountByRunAndType(ctx context.Context, tx *gorm.DB, runID uuid.UUID, eventType string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if runID == uuid.Nil || eventType == "" {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.AutomationEvent{}).
		Where("run_id = ? AND type = ?", runID, eventType).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
