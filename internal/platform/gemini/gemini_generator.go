package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/generation"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"google.golang.org/genai"
)

// ToolWebSearch is the tool identifier that enables Google Search grounding.
const ToolWebSearch = "web_search"

// contentGenerator is the subset of genai.Models used by the generator.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator implements the generation.Generator interface using
// Google's Gemini API.
type GeminiGenerator struct {
	logger *slog.Logger
	models contentGenerator
	model  string
}

var _ generation.Generator = (*GeminiGenerator)(nil)

// NewGeminiGenerator creates a GeminiGenerator for the configured model.
func NewGeminiGenerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*GeminiGenerator, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return newGenerator(client.Models, cfg.ModelName, logger), nil
}

func newGenerator(models contentGenerator, model string, logger *slog.Logger) *GeminiGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiGenerator{
		logger: logger.With(slog.String("component", "gemini_generator"), slog.String("model", model)),
		models: models,
		model:  model,
	}
}

// Generate implements generation.Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, generation.ErrEmptyPrompt
	}
	log := logger.FromContextOrDefault(ctx, g.logger)

	cfg := &genai.GenerateContentConfig{}
	searchEnabled := hasTool(req.Tools, ToolWebSearch)
	if searchEnabled {
		// Search grounding cannot be combined with a JSON response type.
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	} else {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		classified := classifyError(err)
		log.Warn("gemini call failed", slog.String("error", classified.Error()))
		return nil, classified
	}

	text, err := responseText(resp)
	if err != nil {
		log.Warn("unusable gemini response", slog.String("error", err.Error()))
		return nil, err
	}

	output, err := generation.DecodeOutput(text)
	if err != nil {
		return nil, err
	}

	result := &generation.Response{
		Output:    output,
		Model:     g.model,
		ToolsUsed: []string{},
	}
	if resp.ModelVersion != "" {
		result.Model = resp.ModelVersion
	}
	if usage := resp.UsageMetadata; usage != nil {
		result.TokensIn = int(usage.PromptTokenCount)
		result.TokensOut = int(usage.CandidatesTokenCount)
	}
	if searchEnabled && usedSearch(resp.Candidates[0]) {
		result.ToolsUsed = append(result.ToolsUsed, ToolWebSearch)
	}

	log.Debug("gemini call succeeded",
		slog.Int("tokens_in", result.TokensIn),
		slog.Int("tokens_out", result.TokensOut))
	return result, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked (%s)", generation.ErrContentBlocked, fb.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return "", fmt.Errorf("%w: finish reason %s", generation.ErrContentBlocked, candidate.FinishReason)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.Join(generation.ErrInvalidResponse, errors.New("response has no text parts"))
	}
	return sb.String(), nil
}

func usedSearch(candidate *genai.Candidate) bool {
	md := candidate.GroundingMetadata
	return md != nil && len(md.WebSearchQueries) > 0
}

func hasTool(tools []string, name string) bool {
	for _, t := range tools {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}
