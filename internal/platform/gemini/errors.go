package gemini

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/phrazzld/enrich-api/internal/generation"
	"google.golang.org/genai"
)

// classifyError maps a client error onto the generation error taxonomy.
func classifyError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: gemini %d %s: %s",
			generation.ErrTransientFailure, apiErr.Code, apiErr.Status, apiErr.Message)
	case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%w: gemini rejected credentials: %s", generation.ErrInvalidConfig, apiErr.Message)
	default:
		return fmt.Errorf("%w: gemini %d %s: %s",
			generation.ErrInvalidResponse, apiErr.Code, apiErr.Status, apiErr.Message)
	}
}
