package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/types"
)

type StoryUserRepo interface {
	Create(ctx context.Context, tx *gorm.DB, users []*types.StoryUser) ([]*types.StoryUser, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.StoryUser, error)
	AppendPhotos(ctx context.Context, tx *gorm.DB, id uuid.UUID, photos []types.UserPhoto) error
	RemovePhotosByKey(ctx context.Context, tx *gorm.DB, id uuid.UUID, keys []string) error
}

type storyUserRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStoryUserRepo(db *gorm.DB, baseLog *logger.Logger) StoryUserRepo {
	return &storyUserRepo{db: db, log: baseLog.With("repo", "StoryUserRepo")}
}

func (r *storyUserRepo) Create(ctx context.Context, tx *gorm.DB, users []*types.StoryUser) ([]*types.StoryUser, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(users) == 0 {
		return []*types.StoryUser{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *storyUserRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.StoryUser, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var user types.StoryUser
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == uuid.Nil {
		return nil, nil
	}
	return &user, nil
}

// AppendPhotos re-reads the photo list inside one transaction and writes back
// only the photos column, so the list stays consistent under concurrent runs.
func (r *storyUserRepo) AppendPhotos(ctx context.Context, tx *gorm.DB, id uuid.UUID, photos []types.UserPhoto) error {
	if id == uuid.Nil || len(photos) == 0 {
		return nil
	}
	return r.patchPhotos(ctx, tx, id, func(current []types.UserPhoto) []types.UserPhoto {
		return append(current, photos...)
	})
}

func (r *storyUserRepo) RemovePhotosByKey(ctx context.Context, tx *gorm.DB, id uuid.UUID, keys []string) error {
	if id == uuid.Nil || len(keys) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	return r.patchPhotos(ctx, tx, id, func(current []types.UserPhoto) []types.UserPhoto {
		kept := make([]types.UserPhoto, 0, len(current))
		for _, p := range current {
			if !drop[p.Key] {
				kept = append(kept, p)
			}
		}
		return kept
	})
}

func (r *storyUserRepo) patchPhotos(ctx context.Context, tx *gorm.DB, id uuid.UUID, mutate func([]types.UserPhoto) []types.UserPhoto) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var user types.StoryUser
		if err := txx.Where("id = ?", id).Limit(1).Find(&user).Error; err != nil {
			return err
		}
		if user.ID == uuid.Nil {
			return gorm.ErrRecordNotFound
		}
		next := mutate(user.PhotoList())
		return txx.Model(&types.StoryUser{}).
			Where("id = ?", id).
			Update("photos", types.MarshalPhotos(next)).Error
	})
}
