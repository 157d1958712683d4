package generation

import (
	"context"
	"encoding/json"

	"github.com/phrazzld/enrich-api/internal/domain"
)

// Request is a single row-level generation call.
type Request struct {
	// Prompt is the fully rendered prompt for the row.
	Prompt string

	// OutputSchema names the fields the response object must contain.
	OutputSchema []domain.OutputField

	// Tools lists tool identifiers the backend may use, such as "web_search".
	Tools []string
}

// Response is the outcome of a successful generation call.
type Response struct {
	// Output is the JSON object produced for the row.
	Output json.RawMessage

	TokensIn  int
	TokensOut int

	// Model is the model that served the request.
	Model string

	// ToolsUsed lists the tools the backend actually invoked.
	ToolsUsed []string
}

// Generator produces structured output for one row. Implementations make a
// single attempt; retries are applied by RetryPolicy.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f(ctx, req).
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
