package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/enrich-api/internal/domain"
)

// MaxRequestBodyBytes bounds request bodies. Batches carry their rows
// inline, so the limit is generous.
const MaxRequestBodyBytes = 32 << 20

// Global validator instance for reuse. Field names in errors are the JSON
// names clients send.
var validate = newValidator()

func newValidator() *validator.Validate {
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

// DecodeJSON decodes the request body into the given struct. Malformed
// bodies are reported as a *domain.ValidationError.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &typeErr) && typeErr.Field != "":
			return domain.NewValidationError(typeErr.Field,
				fmt.Sprintf("must be %s", typeErr.Type), domain.ErrInvalidFormat)
		case errors.As(err, &maxErr):
			return domain.NewValidationError("body", "is too large", domain.ErrInvalidFormat)
		default:
			return domain.NewValidationError("body", "must be a valid JSON object", domain.ErrInvalidFormat)
		}
	}
	return nil
}

// ValidateRequest validates the given struct and returns the first failing
// field as a *domain.ValidationError.
func ValidateRequest(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := strings.SplitN(fe.Namespace(), ".", 2)
		name := fe.Field()
		if len(field) == 2 {
			name = field[1]
		}
		return domain.NewValidationError(name, tagMessage(fe), nil)
	}
	return domain.NewValidationError("", "Validation error", nil)
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "max":
		return "must be at most " + fe.Param()
	case "url":
		return "must be a URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}
