package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Book struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Title      string         `gorm:"column:title;not null" json:"title"`
	ReaderName string         `gorm:"column:reader_name;not null" json:"reader_name"`
	PageCount  int            `gorm:"column:page_count;not null;default:0" json:"page_count"`
	CoverStyle string         `gorm:"column:cover_style" json:"cover_style"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Book) TableName() string { return "book" }
