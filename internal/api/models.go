package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/service"
)

// SubmitBatchRequest defines the payload for the batch submission endpoint.
type SubmitBatchRequest struct {
	Rows         []domain.Row         `json:"rows"         validate:"required,min=1"`
	Prompt       string               `json:"prompt"       validate:"required,max=20000"`
	OutputSchema []domain.OutputField `json:"outputSchema" validate:"max=50,dive"`
	Tools        []string             `json:"tools"        validate:"max=5,dive,oneof=web_search"`
	ArtifactType string               `json:"artifactType" validate:"omitempty,oneof=contact keyword content campaign"`
	SourceURL    string               `json:"sourceUrl"    validate:"omitempty,url"`
}

// Submission converts the request into the domain submission.
func (r *SubmitBatchRequest) Submission() *domain.Submission {
	return &domain.Submission{
		Rows:         r.Rows,
		Prompt:       r.Prompt,
		OutputSchema: r.OutputSchema,
		Tools:        r.Tools,
		ArtifactType: domain.ArtifactType(r.ArtifactType),
		SourceURL:    r.SourceURL,
	}
}

// SubmitBatchResponse is returned when a batch is accepted.
type SubmitBatchResponse struct {
	BatchID uuid.UUID          `json:"batchId"`
	Status  domain.BatchStatus `json:"status"`
}

// RowResultResponse is one row of a batch status response.
type RowResultResponse struct {
	// ID is the row index within the batch
	ID           int              `json:"id"`
	Input        json.RawMessage  `json:"input"`
	Output       json.RawMessage  `json:"output"`
	Status       domain.RowStatus `json:"status"`
	Error        *string          `json:"error"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	Model        string           `json:"model"`
	ToolsUsed    []string         `json:"tools_used"`
}

// BatchStatusResponse is the status read of a single batch.
type BatchStatusResponse struct {
	BatchID         uuid.UUID           `json:"batchId"`
	Status          domain.BatchStatus  `json:"status"`
	TotalRows       int                 `json:"totalRows"`
	ProcessedRows   int                 `json:"processedRows"`
	ProgressPercent int                 `json:"progressPercent"`
	Results         []RowResultResponse `json:"results"`
	Message         string              `json:"message"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// BatchSummaryResponse describes a batch in a listing.
type BatchSummaryResponse struct {
	BatchID         uuid.UUID           `json:"batchId"`
	Status          domain.BatchStatus  `json:"status"`
	TotalRows       int                 `json:"totalRows"`
	ProcessedRows   int                 `json:"processedRows"`
	ProgressPercent int                 `json:"progressPercent"`
	ArtifactType    domain.ArtifactType `json:"artifactType,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// ListBatchesResponse is the owner's batch listing.
type ListBatchesResponse struct {
	Batches []BatchSummaryResponse `json:"batches"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// WebhookResponse acknowledges a completion webhook.
type WebhookResponse struct {
	Received  bool               `json:"received"`
	Duplicate bool               `json:"duplicate"`
	Status    domain.BatchStatus `json:"status"`
}

func newBatchStatusResponse(view *service.BatchView) BatchStatusResponse {
	b := view.Batch
	results := make([]RowResultResponse, 0, len(view.Rows))
	for _, r := range view.Rows {
		output := r.Output
		if len(output) == 0 {
			output = json.RawMessage("null")
		}
		tools := r.ToolsUsed
		if tools == nil {
			tools = []string{}
		}
		results = append(results, RowResultResponse{
			ID:           r.RowIndex,
			Input:        r.Input,
			Output:       output,
			Status:       r.Status,
			Error:        r.Error,
			InputTokens:  r.TokensIn,
			OutputTokens: r.TokensOut,
			Model:        r.Model,
			ToolsUsed:    tools,
		})
	}
	return BatchStatusResponse{
		BatchID:         b.ID,
		Status:          b.Status,
		TotalRows:       b.TotalRows,
		ProcessedRows:   b.ProcessedRows,
		ProgressPercent: view.Progress,
		Results:         results,
		Message:         view.Message,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func newBatchSummaryResponse(b *domain.Batch) BatchSummaryResponse {
	return BatchSummaryResponse{
		BatchID:         b.ID,
		Status:          b.Status,
		TotalRows:       b.TotalRows,
		ProcessedRows:   b.ProcessedRows,
		ProgressPercent: b.ProgressPercent,
		ArtifactType:    b.Config.ArtifactType,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}
