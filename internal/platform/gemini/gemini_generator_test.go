package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	resp    *genai.GenerateContentResponse
	err     error
	gotCfg  *genai.GenerateContentConfig
	gotText string
}

func (f *fakeModels) GenerateContent(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.gotCfg = config
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.gotText = contents[0].Parts[0].Text
	}
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     42,
			CandidatesTokenCount: 17,
		},
	}
}

func TestGeminiGenerator_Generate(t *testing.T) {
	t.Parallel()

	fake := &fakeModels{resp: textResponse("```json\n{\"summary\": \"A pioneer\"}\n```")}
	g := newGenerator(fake, "gemini-2.0-flash", nil)

	resp, err := g.Generate(context.Background(), generation.Request{Prompt: "Describe Ada"})
	require.NoError(t, err)

	assert.Equal(t, "Describe Ada", fake.gotText)
	assert.Equal(t, "application/json", fake.gotCfg.ResponseMIMEType)
	assert.Empty(t, fake.gotCfg.Tools)

	assert.JSONEq(t, `{"summary":"A pioneer"}`, string(resp.Output))
	assert.Equal(t, 42, resp.TokensIn)
	assert.Equal(t, 17, resp.TokensOut)
	assert.Equal(t, "gemini-2.0-flash", resp.Model)
	assert.Empty(t, resp.ToolsUsed)
}

func TestGeminiGenerator_WebSearchGrounding(t *testing.T) {
	t.Parallel()

	resp := textResponse(`{"company":"Acme"}`)
	resp.Candidates[0].GroundingMetadata = &genai.GroundingMetadata{WebSearchQueries: []string{"acme corp"}}
	fake := &fakeModels{resp: resp}
	g := newGenerator(fake, "gemini-2.0-flash", nil)

	out, err := g.Generate(context.Background(), generation.Request{
		Prompt: "Find the company",
		Tools:  []string{"web_search"},
	})
	require.NoError(t, err)

	require.Len(t, fake.gotCfg.Tools, 1)
	assert.NotNil(t, fake.gotCfg.Tools[0].GoogleSearch)
	assert.Empty(t, fake.gotCfg.ResponseMIMEType)
	assert.Equal(t, []string{ToolWebSearch}, out.ToolsUsed)
}

func TestGeminiGenerator_Errors(t *testing.T) {
	t.Parallel()

	blocked := textResponse("")
	blocked.Candidates[0].FinishReason = genai.FinishReasonSafety

	tests := []struct {
		name      string
		resp      *genai.GenerateContentResponse
		err       error
		wantErr   error
		permanent bool
	}{
		{
			name:      "safety block",
			resp:      blocked,
			wantErr:   generation.ErrContentBlocked,
			permanent: true,
		},
		{
			name: "prompt feedback block",
			resp: &genai.GenerateContentResponse{
				PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: "SAFETY"},
			},
			wantErr:   generation.ErrContentBlocked,
			permanent: true,
		},
		{
			name:      "no candidates",
			resp:      &genai.GenerateContentResponse{},
			wantErr:   generation.ErrInvalidResponse,
			permanent: true,
		},
		{
			name:      "not a JSON object",
			resp:      textResponse("I cannot help with that"),
			wantErr:   generation.ErrInvalidResponse,
			permanent: true,
		},
		{
			name:    "rate limited",
			err:     genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"},
			wantErr: generation.ErrTransientFailure,
		},
		{
			name:    "server error",
			err:     genai.APIError{Code: 503, Status: "UNAVAILABLE"},
			wantErr: generation.ErrTransientFailure,
		},
		{
			name:      "bad request",
			err:       genai.APIError{Code: 400, Status: "INVALID_ARGUMENT"},
			wantErr:   generation.ErrInvalidResponse,
			permanent: true,
		},
		{
			name:    "network failure",
			err:     errors.New("connection reset by peer"),
			wantErr: generation.ErrTransientFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newGenerator(&fakeModels{resp: tt.resp, err: tt.err}, "gemini-2.0-flash", nil)

			_, err := g.Generate(context.Background(), generation.Request{Prompt: "Describe"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.permanent, generation.IsPermanent(err))
		})
	}
}

func TestGeminiGenerator_EmptyPrompt(t *testing.T) {
	t.Parallel()

	g := newGenerator(&fakeModels{}, "gemini-2.0-flash", nil)
	_, err := g.Generate(context.Background(), generation.Request{Prompt: "  "})
	assert.ErrorIs(t, err, generation.ErrEmptyPrompt)
}

func TestNewGeminiGenerator_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewGeminiGenerator(context.Background(), nil, config.LLMConfig{ModelName: "gemini-2.0-flash"})
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = NewGeminiGenerator(context.Background(), nil, config.LLMConfig{GeminiAPIKey: "key"})
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}
