package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AutomationRun is the aggregate root of one end-to-end personalization
// pipeline execution: create user -> intake photos -> train -> assemble.
// Status, progress and the provider snapshots are a derived cache; the
// appended AutomationEvent rows are the record of what actually happened.
type AutomationRun struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	BookID            uuid.UUID         `gorm:"type:uuid;not null;index" json:"book_id"`
	UserID            *uuid.UUID        `gorm:"type:uuid;index" json:"user_id,omitempty"`
	TrainingID        *string           `gorm:"column:training_id;index" json:"training_id,omitempty"`
	StorybookJobID    *string           `gorm:"column:storybook_job_id;index" json:"storybook_job_id,omitempty"`
	Status            string            `gorm:"column:status;not null;index" json:"status"`
	Progress          int               `gorm:"column:progress;not null;default:0" json:"progress"`
	TrainingSnapshot  datatypes.JSON    `gorm:"type:jsonb;column:training_snapshot" json:"training_snapshot,omitempty"`
	StorybookSnapshot datatypes.JSON    `gorm:"type:jsonb;column:storybook_snapshot" json:"storybook_snapshot,omitempty"`
	Error             string            `gorm:"column:error" json:"error,omitempty"`
	Events            []AutomationEvent `gorm:"foreignKey:RunID" json:"events,omitempty"`
	CreatedAt         time.Time         `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt         gorm.DeletedAt    `gorm:"index" json:"deleted_at,omitempty"`
}

func (AutomationRun) TableName() string { return "automation_run" }

const (
	RunStatusCreatingUser     = "creating_user"
	RunStatusUploadingImages  = "uploading_images"
	RunStatusTraining         = "training"
	RunStatusStorybookPending = "storybook_pending"
	RunStatusStorybook        = "storybook"
	RunStatusCompleted        = "completed"
	RunStatusFailed           = "failed"
)

const (
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// TrainingSnapshotData is the most recently observed public state of the
// external training job, denormalized onto the run so rendering never needs a
// round-trip to the provider.
type TrainingSnapshotData struct {
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Error        string `json:"error,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

type StorybookSnapshotData struct {
	Status   string    `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
	PDFAsset *PDFAsset `json:"pdf_asset,omitempty"`
}

type PDFAsset struct {
	Key   string `json:"key,omitempty"`
	URL   string `json:"url,omitempty"`
	Pages int    `json:"pages,omitempty"`
}

func (r *AutomationRun) TrainingState() TrainingSnapshotData {
	var out TrainingSnapshotData
	if r == nil || len(r.TrainingSnapshot) == 0 {
		return out
	}
	_ = json.Unmarshal(r.TrainingSnapshot, &out)
	return out
}

func (r *AutomationRun) StorybookState() StorybookSnapshotData {
	var out StorybookSnapshotData
	if r == nil || len(r.StorybookSnapshot) == 0 {
		return out
	}
	_ = json.Unmarshal(r.StorybookSnapshot, &out)
	return out
}

func MarshalSnapshot(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(raw)
}

func NormalizeRunStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func IsTerminalRunStatus(status string) bool {
	switch NormalizeRunStatus(status) {
	case RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// AllowedRunTransition reports whether a run may move from one status to
// another. Failed is reachable from every non-terminal status; terminals
// accept nothing.
func AllowedRunTransition(from, to string) bool {
	from = NormalizeRunStatus(from)
	to = NormalizeRunStatus(to)
	if from == to {
		return false
	}
	if to == RunStatusFailed {
		return !IsTerminalRunStatus(from)
	}
	switch from {
	case RunStatusCreatingUser:
		return to == RunStatusUploadingImages
	case RunStatusUploadingImages:
		return to == RunStatusTraining
	case RunStatusTraining:
		return to == RunStatusStorybookPending || to == RunStatusStorybook
	case RunStatusStorybookPending:
		return to == RunStatusStorybook
	case RunStatusStorybook:
		return to == RunStatusCompleted
	default:
		return false
	}
}
