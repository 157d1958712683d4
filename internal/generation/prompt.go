package generation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/phrazzld/enrich-api/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// RenderPrompt substitutes {{field}} placeholders with the row's values.
// Strings are inserted as-is, other values as JSON, and missing fields as
// the empty string.
func RenderPrompt(template string, row domain.Row) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := row[name]
		if !ok || value == nil {
			return ""
		}
		if s, ok := value.(string); ok {
			return s
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(encoded)
	})
}

// Placeholders returns the distinct field names referenced by template in
// order of first appearance.
func Placeholders(template string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// BuildPrompt renders the template for row and appends instructions
// describing the JSON object the model must return.
func BuildPrompt(template string, row domain.Row, schema []domain.OutputField) (string, error) {
	rendered := strings.TrimSpace(RenderPrompt(template, row))
	if rendered == "" {
		return "", ErrEmptyPrompt
	}
	if len(schema) == 0 {
		return rendered, nil
	}

	var sb strings.Builder
	sb.WriteString(rendered)
	sb.WriteString("\n\nRespond with a single JSON object containing exactly these fields:\n")
	for _, field := range schema {
		sb.WriteString("- ")
		sb.WriteString(field.Name)
		if field.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(field.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// DecodeOutput checks that raw is a JSON object and returns it with any
// surrounding markdown code fence removed.
func DecodeOutput(raw string) (json.RawMessage, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("%w: output is not a JSON object: %v", ErrInvalidResponse, err)
	}
	return json.RawMessage(text), nil
}
