package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return NewClient(config.BackendConfig{URL: url + "/", APIKey: "backend-key", Timeout: time.Second}, nil)
}

func TestClient_Handoff(t *testing.T) {
	t.Parallel()

	batchID := uuid.New()
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/batches", r.URL.Path)
		assert.Equal(t, "Bearer backend-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Handoff(context.Background(), Request{
		BatchID:      batchID,
		CallbackURL:  "https://enrich.example.com/api/webhooks/batch-complete",
		Rows:         []domain.Row{{"name": "Ada"}},
		Prompt:       "Describe {{name}}",
		OutputSchema: []domain.OutputField{{Name: "bio"}},
		Tools:        []string{"web_search"},
	})
	require.NoError(t, err)

	assert.Equal(t, batchID, got.BatchID)
	assert.Equal(t, "Describe {{name}}", got.Prompt)
	assert.Len(t, got.Rows, 1)
}

func TestClient_HandoffErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantErr   error
		permanent bool
	}{
		{"server error is transient", http.StatusBadGateway, generation.ErrTransientFailure, false},
		{"throttling is transient", http.StatusTooManyRequests, generation.ErrTransientFailure, false},
		{"bad request is rejected", http.StatusBadRequest, ErrRejected, true},
		{"unauthorized is rejected", http.StatusUnauthorized, ErrRejected, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := newTestClient(srv.URL).Handoff(context.Background(), Request{BatchID: uuid.New()})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.permanent, generation.IsPermanent(err))

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestClient_HandoffUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newTestClient(url).Handoff(context.Background(), Request{BatchID: uuid.New()})
	assert.ErrorIs(t, err, generation.ErrTransientFailure)
}
