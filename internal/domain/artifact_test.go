package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     ArtifactType
		data    map[string]any
		wantKey string
		wantOK  bool
	}{
		{"contact email normalized", ArtifactTypeContact, map[string]any{"email": "  Jane@Example.COM "}, "jane@example.com", true},
		{"contact without email", ArtifactTypeContact, map[string]any{"name": "Jane"}, "", false},
		{"contact blank email", ArtifactTypeContact, map[string]any{"email": "   "}, "", false},
		{"contact non-string email", ArtifactTypeContact, map[string]any{"email": 42}, "", false},
		{"keyword", ArtifactTypeKeyword, map[string]any{"keyword": "Best  CRM Tools"}, "best crm tools", true},
		{"content title", ArtifactTypeContent, map[string]any{"title": " Launch Post "}, "launch post", true},
		{"campaign composite", ArtifactTypeCampaign, map[string]any{"name": "Spring", "type": "Email"}, "spring:email", true},
		{"campaign missing type", ArtifactTypeCampaign, map[string]any{"name": "Spring"}, "", false},
		{"unknown type", ArtifactType("invoice"), map[string]any{"email": "a@b.c"}, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, ok := IdentityKey(tc.typ, tc.data)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantKey, key)
		})
	}
}

func TestNewArtifact(t *testing.T) {
	t.Parallel()
	ownerID, batchID := uuid.New(), uuid.New()

	artifact, err := NewArtifact(ArtifactTypeContact, ownerID, batchID,
		map[string]any{"email": "A@B.io", "name": "A"}, nil)
	require.NoError(t, err)
	require.NotNil(t, artifact.IdentityKey)
	assert.Equal(t, "a@b.io", *artifact.IdentityKey)
	assert.Equal(t, []string{}, artifact.Tags)
	assert.JSONEq(t, `{"email":"A@B.io","name":"A"}`, string(artifact.Data))

	noKey, err := NewArtifact(ArtifactTypeContact, ownerID, batchID, map[string]any{"name": "B"}, []string{"x"})
	require.NoError(t, err)
	assert.Nil(t, noKey.IdentityKey, "artifacts without a derivable key have no identity")

	_, err = NewArtifact("invoice", ownerID, batchID, map[string]any{}, nil)
	assert.ErrorIs(t, err, ErrInvalidArtifactType)

	_, err = NewArtifact(ArtifactTypeKeyword, uuid.Nil, batchID, map[string]any{}, nil)
	assert.ErrorIs(t, err, ErrEmptyBatchOwnerID)
}
