package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the processing state of a batch
type BatchStatus string

// Possible batch status values
const (
	BatchStatusPending             BatchStatus = "pending"
	BatchStatusProcessing          BatchStatus = "processing"
	BatchStatusCompleted           BatchStatus = "completed"
	BatchStatusCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchStatusFailed              BatchStatus = "failed"
	BatchStatusCancelled           BatchStatus = "cancelled"
)

// TerminalBatchStatuses lists the statuses from which no further transition
// is applied. The order is stable so it can be bound into SQL.
var TerminalBatchStatuses = []BatchStatus{
	BatchStatusCompleted,
	BatchStatusCompletedWithErrors,
	BatchStatusFailed,
	BatchStatusCancelled,
}

// IsTerminal reports whether the status is in the terminal set.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusCompletedWithErrors,
		BatchStatusFailed, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether the status is one of the known batch statuses.
func (s BatchStatus) IsValid() bool {
	return s == BatchStatusPending || s == BatchStatusProcessing || s.IsTerminal()
}

// DispatchMode selects how a batch's rows reach the generation backend.
type DispatchMode string

const (
	// DispatchModeInline processes rows in this service and writes results directly.
	DispatchModeInline DispatchMode = "inline"
	// DispatchModeExternal hands the batch to a remote backend that reports back by webhook.
	DispatchModeExternal DispatchMode = "external"
)

// Common validation errors for Batch
var (
	ErrEmptyBatchID      = errors.New("batch ID cannot be empty")
	ErrEmptyBatchOwnerID = errors.New("batch owner ID cannot be empty")
	ErrNegativeRowCount  = errors.New("row counts cannot be negative")
	ErrEmptyPrompt       = errors.New("prompt cannot be empty")
)

// OutputField names one field the generation backend must produce for each row.
type OutputField struct {
	Name        string `json:"name"        validate:"required,max=100"`
	Description string `json:"description" validate:"max=1000"`
}

// BatchConfig is the per-batch generation configuration. The core treats it
// as opaque apart from the prompt placeholders and the artifact type.
type BatchConfig struct {
	Prompt       string        `json:"prompt"`
	OutputSchema []OutputField `json:"output_schema"`
	Tools        []string      `json:"tools,omitempty"`
	ArtifactType ArtifactType  `json:"artifact_type,omitempty"`
	Mode         DispatchMode  `json:"mode"`
	SourceURL    string        `json:"source_url,omitempty"`
}

// Batch is a submitted group of row-level tasks tracked as one unit.
type Batch struct {
	ID              uuid.UUID   `json:"id"`
	OwnerID         uuid.UUID   `json:"owner_id"`
	Status          BatchStatus `json:"status"`
	TotalRows       int         `json:"total_rows"`
	ProcessedRows   int         `json:"processed_rows"`
	ProgressPercent int         `json:"progress_percent"`
	Config          BatchConfig `json:"config"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// NewBatch creates a pending Batch for the owner. totalRows may be zero when
// the row count is not known until the backend reports it.
func NewBatch(ownerID uuid.UUID, totalRows int, cfg BatchConfig) (*Batch, error) {
	now := time.Now().UTC()
	if cfg.Mode == "" {
		cfg.Mode = DispatchModeInline
	}
	batch := &Batch{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Status:    BatchStatusPending,
		TotalRows: totalRows,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}

	return batch, nil
}

// Validate checks if the Batch has valid data.
func (b *Batch) Validate() error {
	if b.ID == uuid.Nil {
		return ErrEmptyBatchID
	}

	if b.OwnerID == uuid.Nil {
		return ErrEmptyBatchOwnerID
	}

	if !b.Status.IsValid() {
		return ErrInvalidBatchStatus
	}

	if b.TotalRows < 0 || b.ProcessedRows < 0 {
		return ErrNegativeRowCount
	}

	if b.Config.Prompt == "" {
		return ErrEmptyPrompt
	}

	if b.Config.ArtifactType != "" && !b.Config.ArtifactType.IsValid() {
		return ErrInvalidArtifactType
	}

	return nil
}

// IsOwnedBy reports whether the batch belongs to the given owner.
func (b *Batch) IsOwnedBy(ownerID uuid.UUID) bool {
	return b.OwnerID == ownerID
}

// CompletionStatus picks the terminal status for a finished batch from its
// failure count.
func CompletionStatus(failed int) BatchStatus {
	if failed > 0 {
		return BatchStatusCompletedWithErrors
	}
	return BatchStatusCompleted
}
