package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StoryUser is the child a book is personalized for, together with the
// reference photos approved for model training.
type StoryUser struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BookID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"book_id"`
	Name          string         `gorm:"column:name;not null" json:"name"`
	TriggerPhrase string         `gorm:"column:trigger_phrase;not null" json:"trigger_phrase"`
	Photos        datatypes.JSON `gorm:"type:jsonb;column:photos" json:"photos"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (StoryUser) TableName() string { return "story_user" }

type UserPhoto struct {
	Key        string  `json:"key"`
	URL        string  `json:"url"`
	FileName   string  `json:"file_name"`
	Verdict    string  `json:"verdict,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Overridden bool    `json:"overridden,omitempty"`
}

func (u *StoryUser) PhotoList() []UserPhoto {
	if u == nil || len(u.Photos) == 0 {
		return nil
	}
	var out []UserPhoto
	if err := json.Unmarshal(u.Photos, &out); err != nil {
		return nil
	}
	return out
}

func MarshalPhotos(photos []UserPhoto) datatypes.JSON {
	if photos == nil {
		photos = []UserPhoto{}
	}
	raw, err := json.Marshal(photos)
	if err != nil {
		return datatypes.JSON([]byte(`[]`))
	}
	return datatypes.JSON(raw)
}
