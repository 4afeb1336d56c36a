package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/types"
)

type BookRepo interface {
	Create(ctx context.Context, tx *gorm.DB, books []*types.Book) ([]*types.Book, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Book, error)
}

type bookRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBookRepo(db *gorm.DB, baseLog *logger.Logger) BookRepo {
	return &bookRepo{db: db, log: baseLog.With("repo", "BookRepo")}
}

func (r *bookRepo) Create(ctx context.Context, tx *gorm.DB, books []*types.Book) ([]*types.Book, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(books) == 0 {
		return []*types.Book{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (r *bookRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Book, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var book types.Book
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&book).Error
	if err != nil {
		return nil, err
	}
	if book.ID == uuid.Nil {
		return nil, nil
	}
	return &book, nil
}
