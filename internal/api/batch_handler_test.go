package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/api/shared"
	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/events"
	"github.com/phrazzld/enrich-api/internal/mocks"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/service"
	"github.com/phrazzld/enrich-api/internal/service/progress"
	"github.com/phrazzld/enrich-api/internal/service/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchHandlerFixture struct {
	router  http.Handler
	batches *mocks.MockBatchStore
	emitter *mocks.MockEventEmitter
	ownerID uuid.UUID
}

func newBatchHandlerFixture(t *testing.T, quotaCfg config.QuotaConfig) *batchHandlerFixture {
	t.Helper()
	log, _ := logger.NewTestLogger()

	f := &batchHandlerFixture{
		batches: mocks.NewMockBatchStore(),
		emitter: &mocks.MockEventEmitter{},
		ownerID: uuid.New(),
	}
	guard := quota.NewGuard(f.batches, quotaCfg, log)
	estimator := progress.NewEstimator(f.batches, time.Second, log)
	svc, err := service.NewBatchService(f.batches, guard, estimator, f.emitter, domain.DispatchModeInline, log)
	require.NoError(t, err)

	h := NewBatchHandler(svc, log)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.WithOwnerID(r.Context(), f.ownerID)))
		})
	})
	r.Post("/api/batches", h.SubmitBatch)
	r.Get("/api/batches", h.ListBatches)
	r.Get("/api/batches/{id}", h.GetBatch)
	r.Post("/api/batches/{id}/cancel", h.CancelBatch)
	f.router = r
	return f
}

func defaultQuota() config.QuotaConfig {
	return config.QuotaConfig{
		MaxRowsPerBatch:      10,
		MaxConcurrentBatches: 5,
		MaxDailyBatches:      50,
		StalenessWindow:      time.Hour,
	}
}

func (f *batchHandlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *batchHandlerFixture) seed(t *testing.T, owner uuid.UUID, rows int) *domain.Batch {
	t.Helper()
	batch, err := domain.NewBatch(owner, rows, domain.BatchConfig{Prompt: "Describe {{name}}"})
	require.NoError(t, err)
	pending := make([]*domain.RowResult, 0, rows)
	for i := 0; i < rows; i++ {
		r, err := domain.NewPendingRowResult(batch.ID, i, domain.Row{"name": "x"})
		require.NoError(t, err)
		pending = append(pending, r)
	}
	require.NoError(t, f.batches.Create(context.Background(), batch, pending))
	return batch
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) shared.ErrorResponse {
	t.Helper()
	var resp shared.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestSubmitBatch(t *testing.T) {
	f := newBatchHandlerFixture(t, defaultQuota())

	rec := f.do(t, http.MethodPost, "/api/batches", map[string]any{
		"rows":         []map[string]any{{"company": "Acme"}, {"company": "Globex"}},
		"prompt":       "Find the website of {{company}}",
		"outputSchema": []map[string]any{{"name": "website"}},
		"artifactType": "contact",
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp SubmitBatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, domain.BatchStatusPending, resp.Status)

	stored := f.batches.Snapshot(resp.BatchID)
	require.NotNil(t, stored)
	assert.Equal(t, f.ownerID, stored.OwnerID)
	assert.Equal(t, 2, stored.TotalRows)
	assert.Equal(t, domain.ArtifactTypeContact, stored.Config.ArtifactType)

	dispatched := f.emitter.Events(events.EventTypeBatchDispatch)
	require.Len(t, dispatched, 1)
}

func TestSubmitBatch_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed json",
			body:       `{"rows": [`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no rows",
			body:       map[string]any{"rows": []any{}, "prompt": "p"},
			wantStatus: http.StatusBadRequest,
			wantError:  "rows",
		},
		{
			name:       "missing prompt",
			body:       map[string]any{"rows": []map[string]any{{"a": 1}}},
			wantStatus: http.StatusBadRequest,
			wantError:  "prompt",
		},
		{
			name: "unknown tool",
			body: map[string]any{
				"rows":   []map[string]any{{"a": 1}},
				"prompt": "p",
				"tools":  []string{"shell"},
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "tools",
		},
		{
			name: "unknown artifact type",
			body: map[string]any{
				"rows":         []map[string]any{{"a": 1}},
				"prompt":       "p",
				"artifactType": "invoice",
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "artifactType",
		},
		{
			name: "too many rows",
			body: map[string]any{
				"rows":   make([]map[string]any, 11),
				"prompt": "p",
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "rows",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBatchHandlerFixture(t, defaultQuota())
			rec := f.do(t, http.MethodPost, "/api/batches", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeError(t, rec)
			if tt.wantError != "" {
				assert.Contains(t, resp.Error, tt.wantError)
			}
			assert.Empty(t, f.emitter.Events(""))
		})
	}
}

func TestSubmitBatch_QuotaExceeded(t *testing.T) {
	cfg := defaultQuota()
	cfg.MaxConcurrentBatches = 1
	f := newBatchHandlerFixture(t, cfg)
	f.seed(t, f.ownerID, 1)

	rec := f.do(t, http.MethodPost, "/api/batches", map[string]any{
		"rows":   []map[string]any{{"a": 1}},
		"prompt": "p",
	})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decodeError(t, rec)
	assert.Contains(t, resp.Error, string(quota.LimitConcurrentBatches))
}

func TestGetBatch(t *testing.T) {
	f := newBatchHandlerFixture(t, defaultQuota())
	batch := f.seed(t, f.ownerID, 2)
	_, err := f.batches.TransitionStatus(context.Background(), batch.ID, domain.BatchStatusProcessing)
	require.NoError(t, err)

	done, err := domain.NewPendingRowResult(batch.ID, 0, domain.Row{"name": "x"})
	require.NoError(t, err)
	done.Succeed(json.RawMessage(`{"summary":"ok"}`), 3, 4, "test-model", []string{"web_search"})
	require.NoError(t, f.batches.UpsertRowResults(context.Background(), []*domain.RowResult{done}))

	rec := f.do(t, http.MethodGet, "/api/batches/"+batch.ID.String(), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp BatchStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, batch.ID, resp.BatchID)
	assert.Equal(t, 2, resp.TotalRows)
	assert.Equal(t, 1, resp.ProcessedRows)
	assert.Equal(t, 50, resp.ProgressPercent)
	assert.Equal(t, "Processed 1 of 2 rows", resp.Message)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, domain.RowStatusSuccess, resp.Results[0].Status)
	assert.JSONEq(t, `{"summary":"ok"}`, string(resp.Results[0].Output))
	assert.Equal(t, 3, resp.Results[0].InputTokens)
	assert.Equal(t, []string{"web_search"}, resp.Results[0].ToolsUsed)
	assert.Equal(t, "null", string(resp.Results[1].Output))
}

func TestGetBatch_Errors(t *testing.T) {
	f := newBatchHandlerFixture(t, defaultQuota())
	foreign := f.seed(t, uuid.New(), 1)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"invalid id", "/api/batches/not-a-uuid", http.StatusBadRequest},
		{"unknown batch", "/api/batches/" + uuid.NewString(), http.StatusNotFound},
		{"other owner", "/api/batches/" + foreign.ID.String(), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestListBatches(t *testing.T) {
	f := newBatchHandlerFixture(t, defaultQuota())
	f.seed(t, f.ownerID, 1)
	f.seed(t, f.ownerID, 2)
	f.seed(t, uuid.New(), 1)

	rec := f.do(t, http.MethodGet, "/api/batches?limit=500", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListBatchesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Batches, 2)
	assert.Equal(t, maxListLimit, resp.Limit)
	assert.Equal(t, 0, resp.Offset)

	rec = f.do(t, http.MethodGet, "/api/batches?offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBatch(t *testing.T) {
	f := newBatchHandlerFixture(t, defaultQuota())
	batch := f.seed(t, f.ownerID, 1)

	rec := f.do(t, http.MethodPost, "/api/batches/"+batch.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp BatchSummaryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, domain.BatchStatusCancelled, resp.Status)

	// Cancelling again reports the terminal status unchanged.
	rec = f.do(t, http.MethodPost, "/api/batches/"+batch.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), string(domain.BatchStatusCancelled)))
	assert.Equal(t, []domain.BatchStatus{domain.BatchStatusCancelled}, f.batches.AppliedTransitions())
}
