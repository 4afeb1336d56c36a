package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AutomationEvent rows are append-only; nothing updates or reorders them.
type AutomationEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"run_id"`
	Type      string         `gorm:"column:type;not null;index" json:"type"`
	Message   string         `gorm:"column:message" json:"message"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (AutomationEvent) TableName() string { return "automation_event" }

const (
	EventTypeStageChanged        = "stage_changed"
	EventTypePhotoRejected       = "photo_rejected"
	EventTypePhotoOverridden     = "photo_overridden"
	EventTypeTrainingDispatched  = "training_dispatched"
	EventTypeTrainingCompleted   = "training_completed"
	EventTypeStorybookDispatched = "storybook_dispatched"
	EventTypeStorybookCompleted  = "storybook_completed"
	EventTypeError               = "error"
)
