package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))

	generated := GetTraceID(SetTraceID(ctx, ""))
	assert.Len(t, generated, 32)
	assert.NotEqual(t, generated, GetTraceID(SetTraceID(ctx, "")))

	assert.Equal(t, "req-123", GetTraceID(SetTraceID(ctx, "req-123")))
	assert.Empty(t, GetTraceID(context.WithValue(ctx, TraceIDKey, 42)))
}

func TestOwnerIDFromContext(t *testing.T) {
	_, ok := OwnerIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = OwnerIDFromContext(WithOwnerID(context.Background(), uuid.Nil))
	assert.False(t, ok)

	owner := uuid.New()
	got, ok := OwnerIDFromContext(WithOwnerID(context.Background(), owner))
	assert.True(t, ok)
	assert.Equal(t, owner, got)
}

type sampleRequest struct {
	Name  string   `json:"name"  validate:"required"`
	Items []string `json:"items" validate:"required,min=1"`
	Site  string   `json:"site"  validate:"omitempty,url"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "valid", body: `{"name":"a","items":["x"]}`},
		{name: "trailing comma", body: `{"name":"a",}`, wantField: "body"},
		{name: "empty body", body: ``, wantField: "body"},
		{name: "wrong type", body: `{"name":7}`, wantField: "name"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var v sampleRequest
			err := DecodeJSON(httptest.NewRecorder(), r, &v)
			if tc.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, "a", v.Name)
				return
			}
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.wantField, ve.Field)
		})
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name      string
		req       sampleRequest
		wantField string
		wantMsg   string
	}{
		{name: "valid", req: sampleRequest{Name: "a", Items: []string{"x"}}},
		{name: "missing name", req: sampleRequest{Items: []string{"x"}}, wantField: "name", wantMsg: "is required"},
		{name: "empty items", req: sampleRequest{Name: "a", Items: []string{}}, wantField: "items", wantMsg: "must have at least 1 entries"},
		{name: "bad url", req: sampleRequest{Name: "a", Items: []string{"x"}, Site: "nope"}, wantField: "site", wantMsg: "must be a URL"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRequest(&tc.req)
			if tc.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.wantField, ve.Field)
			assert.Equal(t, tc.wantMsg, ve.Message)
		})
	}
}

func TestRespondWithErrorAndLog(t *testing.T) {
	log, buf := logger.NewTestLogger()
	ctx := logger.WithLogger(SetTraceID(context.Background(), "trace-1"), log)
	r := httptest.NewRequest(http.MethodGet, "/api/batches", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to load batch",
		errors.New("dial postgres://app:hunter22@db:5432 failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Failed to load batch", body.Error)
	assert.Equal(t, "trace-1", body.TraceID)

	logged := buf.String()
	assert.Contains(t, logged, `"level":"ERROR"`)
	assert.NotContains(t, logged, "hunter22")
	assert.NotContains(t, w.Body.String(), "postgres")
}
