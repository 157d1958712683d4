package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/generation"
)

// Payload statuses reported by the backend.
const (
	PayloadStatusCompleted = "completed"
	PayloadStatusFailed    = "failed"
)

// Payload is a completion report from the remote backend.
type Payload struct {
	BatchID    string            `json:"batch_id"    validate:"required,uuid"`
	Status     string            `json:"status"      validate:"required,oneof=completed failed"`
	TotalRows  int               `json:"total_rows"  validate:"gte=0"`
	Successful int               `json:"successful"  validate:"gte=0"`
	Failed     int               `json:"failed"      validate:"gte=0"`
	Results    []json.RawMessage `json:"results"`
}

// resultShape tags the layout a backend used for one result entry.
type resultShape int

const (
	// shapeFlat carries output, tokens and model at the top level.
	shapeFlat resultShape = iota
	// shapeNested carries output and metadata inside a data object.
	shapeNested
	// shapeWrapped uses the data object itself as the output.
	shapeWrapped
	// shapeBare carries no output at all.
	shapeBare
)

func (s resultShape) String() string {
	switch s {
	case shapeFlat:
		return "flat"
	case shapeNested:
		return "nested"
	case shapeWrapped:
		return "wrapped"
	default:
		return "bare"
	}
}

type usage struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

// resultEntry is the union of every known result layout.
type resultEntry struct {
	RowIndex     *int            `json:"row_index"`
	Status       string          `json:"status"`
	Error        *string         `json:"error"`
	Output       json.RawMessage `json:"output"`
	Result       json.RawMessage `json:"result"`
	Data         json.RawMessage `json:"data"`
	Model        string          `json:"model"`
	InputTokens  *int            `json:"input_tokens"`
	OutputTokens *int            `json:"output_tokens"`
	Usage        *usage          `json:"usage"`
	ToolsUsed    []string        `json:"tools_used"`
}

type nestedData struct {
	Output       json.RawMessage `json:"output"`
	Result       json.RawMessage `json:"result"`
	Model        string          `json:"model"`
	InputTokens  *int            `json:"input_tokens"`
	OutputTokens *int            `json:"output_tokens"`
	Usage        *usage          `json:"usage"`
	ToolsUsed    []string        `json:"tools_used"`
}

// normalizedResult is a result entry reduced to canonical row fields.
type normalizedResult struct {
	RowIndex  int
	Shape     resultShape
	Output    json.RawMessage
	Failed    bool
	Error     string
	TokensIn  int
	TokensOut int
	Model     string
	ToolsUsed []string
}

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodePayload parses and validates a completion report. Every failure is a
// *domain.ValidationError naming the offending field.
func DecodePayload(body []byte) (*Payload, uuid.UUID, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, uuid.Nil, domain.NewValidationError(typeErr.Field,
				fmt.Sprintf("must be %s", typeErr.Type), domain.ErrInvalidFormat)
		}
		return nil, uuid.Nil, domain.NewValidationError("body", "must be a JSON object", domain.ErrInvalidFormat)
	}

	if err := payloadValidator.Struct(&p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, uuid.Nil, domain.NewValidationError(fe.Field(), describeFieldError(fe), nil)
		}
		return nil, uuid.Nil, domain.NewValidationError("body", err.Error(), nil)
	}

	id, err := uuid.Parse(p.BatchID)
	if err != nil {
		return nil, uuid.Nil, domain.NewValidationError("batch_id", "must be a UUID", domain.ErrInvalidID)
	}
	return &p, id, nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	default:
		return "is invalid"
	}
}

// normalizeResults decodes every result entry. Entries without a row index
// take their position in the list.
func normalizeResults(raw []json.RawMessage) ([]normalizedResult, error) {
	out := make([]normalizedResult, 0, len(raw))
	seen := make(map[int]int, len(raw))
	for i, entry := range raw {
		field := fmt.Sprintf("results[%d]", i)
		n, err := normalizeEntry(entry, i, field)
		if err != nil {
			return nil, err
		}
		if first, dup := seen[n.RowIndex]; dup {
			return nil, domain.NewValidationError(field+".row_index",
				fmt.Sprintf("duplicates results[%d]", first), nil)
		}
		seen[n.RowIndex] = i
		out = append(out, n)
	}
	return out, nil
}

// checkRowBounds rejects results addressing rows past total. A total of 0
// means the row count is still unknown and nothing is checked.
func checkRowBounds(results []normalizedResult, total int) error {
	if total <= 0 {
		return nil
	}
	for i, n := range results {
		if n.RowIndex >= total {
			return domain.NewValidationError(fmt.Sprintf("results[%d].row_index", i),
				fmt.Sprintf("is %d but the batch has %d rows", n.RowIndex, total), nil)
		}
	}
	return nil
}

func normalizeEntry(raw json.RawMessage, position int, field string) (normalizedResult, error) {
	if !isJSONObject(raw) {
		return normalizedResult{}, domain.NewValidationError(field, "must be an object", domain.ErrInvalidFormat)
	}
	var e resultEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return normalizedResult{}, domain.NewValidationError(field+"."+typeErr.Field,
				fmt.Sprintf("must be %s", typeErr.Type), domain.ErrInvalidFormat)
		}
		return normalizedResult{}, domain.NewValidationError(field, "is malformed", domain.ErrInvalidFormat)
	}

	n := normalizedResult{RowIndex: position, Model: e.Model, ToolsUsed: e.ToolsUsed}
	if e.RowIndex != nil {
		if *e.RowIndex < 0 {
			return normalizedResult{}, domain.NewValidationError(field+".row_index", "must not be negative", nil)
		}
		n.RowIndex = *e.RowIndex
	}
	n.TokensIn, n.TokensOut = tokens(e.InputTokens, e.OutputTokens, e.Usage)

	output, err := n.extractOutput(e, field)
	if err != nil {
		return normalizedResult{}, err
	}

	failed, err := entryFailed(e.Status, field)
	if err != nil {
		return normalizedResult{}, err
	}

	switch {
	case failed || (e.Error != nil && *e.Error != ""):
		n.Failed = true
		n.Error = "row failed"
		if e.Error != nil && *e.Error != "" {
			n.Error = *e.Error
		}
	case output == nil:
		n.Failed = true
		n.Error = "missing output"
	default:
		n.Output = output
	}
	return n, nil
}

// extractOutput picks the output according to the entry's shape and fills
// metadata carried inside a nested data object.
func (n *normalizedResult) extractOutput(e resultEntry, field string) (json.RawMessage, error) {
	if isPresent(e.Data) {
		if !isJSONObject(e.Data) {
			return nil, domain.NewValidationError(field+".data", "must be an object", domain.ErrInvalidFormat)
		}
		var d nestedData
		if err := json.Unmarshal(e.Data, &d); err == nil && (isPresent(d.Output) || isPresent(d.Result)) {
			n.Shape = shapeNested
			if n.Model == "" {
				n.Model = d.Model
			}
			if n.TokensIn == 0 && n.TokensOut == 0 {
				n.TokensIn, n.TokensOut = tokens(d.InputTokens, d.OutputTokens, d.Usage)
			}
			if n.ToolsUsed == nil {
				n.ToolsUsed = d.ToolsUsed
			}
			return coerceOutput(firstPresent(d.Output, d.Result), field+".data.output")
		}
		n.Shape = shapeWrapped
		return e.Data, nil
	}
	if out := firstPresent(e.Output, e.Result); out != nil {
		n.Shape = shapeFlat
		return coerceOutput(out, field+".output")
	}
	n.Shape = shapeBare
	return nil, nil
}

// coerceOutput accepts an object, or a string that holds either an object
// or plain text. Plain text is kept as a JSON string.
func coerceOutput(raw json.RawMessage, field string) (json.RawMessage, error) {
	if isJSONObject(raw) {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, domain.NewValidationError(field, "must be an object or a string", domain.ErrInvalidFormat)
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if obj, err := generation.DecodeOutput(s); err == nil {
		return obj, nil
	}
	return json.Marshal(s)
}

func entryFailed(status, field string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "success", "succeeded", "completed", "ok":
		return false, nil
	case "error", "failed", "failure":
		return true, nil
	default:
		return false, domain.NewValidationError(field+".status",
			fmt.Sprintf("unknown status %q", status), nil)
	}
}

func tokens(in, out *int, u *usage) (int, int) {
	if in == nil && out == nil && u != nil {
		in, out = u.InputTokens, u.OutputTokens
	}
	deref := func(p *int) int {
		if p == nil || *p < 0 {
			return 0
		}
		return *p
	}
	return deref(in), deref(out)
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func firstPresent(candidates ...json.RawMessage) json.RawMessage {
	for _, c := range candidates {
		if isPresent(c) {
			return c
		}
	}
	return nil
}
