// Package jobs owns the generation record, the durable queue, and the worker
// pool that executes generators against claimed jobs.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/boardforge/boardforge-backend/internal/storage"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// terminalStatuses guards every mutation of a generation row; updates carry
// these as disallowed statuses so a terminal record is never overwritten.
var terminalStatuses = []string{
	string(StatusCompleted),
	string(StatusFailed),
	string(StatusCancelled),
}

// Error categories recorded on failed generations so clients can tell
// invalid input from transient trouble from provider outage.
const (
	ErrCategorySecurity   = "security"
	ErrCategoryValidation = "validation"
	ErrCategoryStorage    = "storage"
	ErrCategoryGenerator  = "generator"
	ErrCategoryInternal   = "internal"
)

// Generation is one request to run a generator. Status transitions are owned
// exclusively by the worker and the cancellation path; terminal rows are
// immutable.
type Generation struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	BoardID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"board_id"`
	GeneratorName string         `gorm:"column:generator_name;not null;index" json:"generator_name"`
	ArtifactType  string         `gorm:"column:artifact_type;not null" json:"artifact_type"`
	InputParams   datatypes.JSON `gorm:"column:input_params;type:jsonb" json:"input_params"`

	Status   string `gorm:"column:status;not null;index" json:"status"`
	Stage    string `gorm:"column:stage" json:"stage,omitempty"`
	Progress int    `gorm:"column:progress;not null;default:0" json:"progress"`
	Attempts int    `gorm:"column:attempts;not null;default:0" json:"attempts"`

	OutputArtifacts datatypes.JSON `gorm:"column:output_artifacts;type:jsonb" json:"output_artifacts,omitempty"`
	ErrorCategory   string         `gorm:"column:error_category" json:"error_category,omitempty"`
	ErrorMessage    string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ExternalJobID   string         `gorm:"column:external_job_id" json:"external_job_id,omitempty"`

	// RetryOfID links an explicit retry back to the attempt it replaces.
	RetryOfID *uuid.UUID `gorm:"type:uuid;column:retry_of_id;index" json:"retry_of_id,omitempty"`

	CancelRequestedAt *time.Time `gorm:"column:cancel_requested_at" json:"cancel_requested_at,omitempty"`
	LockedAt          *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt       *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`

	CreatedAt   time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Generation) TableName() string { return "generation" }

// Artifacts decodes the stored output references, in store order.
func (g *Generation) Artifacts() ([]storage.ArtifactRef, error) {
	if len(g.OutputArtifacts) == 0 {
		return nil, nil
	}
	var refs []storage.ArtifactRef
	if err := json.Unmarshal(g.OutputArtifacts, &refs); err != nil {
		return nil, fmt.Errorf("decode output artifacts for job %s: %w", g.ID, err)
	}
	return refs, nil
}

// StateError marks an attempted transition out of a terminal state or a
// duplicate claim. It indicates a race or programming bug and is logged
// loudly, never swallowed.
type StateError struct {
	JobID  uuid.UUID
	Status Status
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("job %s: %s rejected, job already %s", e.JobID, e.Op, e.Status)
}
