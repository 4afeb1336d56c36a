package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/types"
)

type AutomationRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, runs []*types.AutomationRun) ([]*types.AutomationRun, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.AutomationRun, error)
	GetByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string) (*types.AutomationRun, error)
	GetByStorybookJobID(ctx context.Context, tx *gorm.DB, jobID string) (*types.AutomationRun, error)
	ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.AutomationRun, error)

	// UpdateFields applies a partial patch keyed by run id so concurrent
	// writers never clobber each other's columns.
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error

	// UpdateFieldsUnlessStatus applies the patch only while the run is not in
	// one of the disallowed statuses. Terminal runs stay frozen.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)

	// ClaimStorybookDispatch atomically assigns the storybook job id if and
	// only if none was ever assigned. Returns false when another writer won.
	ClaimStorybookDispatch(ctx context.Context, tx *gorm.DB, id uuid.UUID, jobID string, updates map[string]interface{}) (bool, error)
}

type automationRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAutomationRunRepo(db *gorm.DB, baseLog *logger.Logger) AutomationRunRepo {
	return &automationRunRepo{db: db, log: baseLog.With("repo", "AutomationRunRepo")}
}

func (r *automationRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*types.AutomationRun) ([]*types.AutomationRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(runs) == 0 {
		return []*types.AutomationRun{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *automationRunRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.AutomationRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var run types.AutomationRun
	err := transaction.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Where("id = ?", id).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *automationRunRepo) GetByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string) (*types.AutomationRun, error) {
	return r.getByExternalID(ctx, tx, "training_id", trainingID)
}

func (r *automationRunRepo) GetByStorybookJobID(ctx context.Context, tx *gorm.DB, jobID string) (*types.AutomationRun, error) {
	return r.getByExternalID(ctx, tx, "storybook_job_id", jobID)
}

func (r *automationRunRepo) getByExternalID(ctx context.Context, tx *gorm.DB, column, value string) (*types.AutomationRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if value == "" {
		return nil, nil
	}
	var run types.AutomationRun
	err := transaction.WithContext(ctx).
		Where(column+" = ?", value).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *automationRunRepo) ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.AutomationRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	var out []*types.AutomationRun
	if err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *automationRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.AutomationRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *automationRunRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(ctx).
		Model(&types.AutomationRun{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *automationRunRepo) ClaimStorybookDispatch(ctx context.Context, tx *gorm.DB, id uuid.UUID, jobID string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || jobID == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["storybook_job_id"] = jobID
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	res := transaction.WithContext(ctx).
		Model(&types.AutomationRun{}).
		Where("id = ? AND storybook_job_id IS NULL", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
