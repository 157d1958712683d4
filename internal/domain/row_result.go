package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RowStatus is the processing state of a single row.
type RowStatus string

const (
	RowStatusPending    RowStatus = "pending"
	RowStatusProcessing RowStatus = "processing"
	RowStatusSuccess    RowStatus = "success"
	RowStatusError      RowStatus = "error"
)

// IsValid reports whether the status is a known row status.
func (s RowStatus) IsValid() bool {
	switch s {
	case RowStatusPending, RowStatusProcessing, RowStatusSuccess, RowStatusError:
		return true
	default:
		return false
	}
}

// IsFinished reports whether the row has a final outcome.
func (s RowStatus) IsFinished() bool {
	return s == RowStatusSuccess || s == RowStatusError
}

// Row is one submitted record of input fields.
type Row map[string]any

// RowResult is the per-row outcome, unique on (BatchID, RowIndex).
type RowResult struct {
	BatchID   uuid.UUID       `json:"batch_id"`
	RowIndex  int             `json:"row_index"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Status    RowStatus       `json:"status"`
	Error     *string         `json:"error,omitempty"`
	TokensIn  int             `json:"tokens_in"`
	TokensOut int             `json:"tokens_out"`
	Model     string          `json:"model,omitempty"`
	ToolsUsed []string        `json:"tools_used"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewPendingRowResult snapshots a row's input at dispatch time.
func NewPendingRowResult(batchID uuid.UUID, index int, row Row) (*RowResult, error) {
	if row == nil {
		row = Row{}
	}
	input, err := json.Marshal(row)
	if err != nil {
		return nil, NewValidationError("rows", "row cannot be encoded as JSON", ErrInvalidFormat)
	}
	now := time.Now().UTC()
	return &RowResult{
		BatchID:   batchID,
		RowIndex:  index,
		Input:     input,
		Status:    RowStatusPending,
		ToolsUsed: []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Succeed records a successful outcome.
func (r *RowResult) Succeed(output json.RawMessage, tokensIn, tokensOut int, model string, tools []string) {
	r.Status = RowStatusSuccess
	r.Output = output
	r.Error = nil
	r.TokensIn = tokensIn
	r.TokensOut = tokensOut
	r.Model = model
	r.ToolsUsed = nonNilStrings(tools)
	r.UpdatedAt = time.Now().UTC()
}

// Fail records an error outcome. Output is cleared.
func (r *RowResult) Fail(message string) {
	r.Status = RowStatusError
	r.Output = nil
	r.Error = &message
	r.UpdatedAt = time.Now().UTC()
}

// Validate checks the row result before it is written.
func (r *RowResult) Validate() error {
	if r.BatchID == uuid.Nil {
		return ErrEmptyBatchID
	}
	if r.RowIndex < 0 {
		return NewValidationError("row_index", "must not be negative", nil)
	}
	if !r.Status.IsValid() {
		return ErrInvalidRowStatus
	}
	if len(r.Output) > 0 && !json.Valid(r.Output) {
		return NewValidationError("output", "must be valid JSON", ErrInvalidFormat)
	}
	return nil
}

// InputFields decodes the input snapshot into a Row.
func (r *RowResult) InputFields() (Row, error) {
	row := Row{}
	if len(r.Input) == 0 {
		return row, nil
	}
	if err := json.Unmarshal(r.Input, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// RowCounts summarises finished rows of a batch.
type RowCounts struct {
	Succeeded int
	Failed    int
}

// Finished returns the number of rows with a final outcome.
func (c RowCounts) Finished() int {
	return c.Succeeded + c.Failed
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
