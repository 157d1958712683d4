package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ArtifactType identifies the kind of entity derived from a successful row.
type ArtifactType string

const (
	ArtifactTypeContact  ArtifactType = "contact"
	ArtifactTypeKeyword  ArtifactType = "keyword"
	ArtifactTypeContent  ArtifactType = "content"
	ArtifactTypeCampaign ArtifactType = "campaign"
)

// IsValid reports whether the artifact type is recognised.
func (t ArtifactType) IsValid() bool {
	switch t {
	case ArtifactTypeContact, ArtifactTypeKeyword, ArtifactTypeContent, ArtifactTypeCampaign:
		return true
	default:
		return false
	}
}

// Artifact is an entity materialized from a successful row result.
type Artifact struct {
	ID          uuid.UUID       `json:"id"`
	Type        ArtifactType    `json:"type"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Data        json.RawMessage `json:"data"`
	IdentityKey *string         `json:"identity_key,omitempty"`
	BatchID     uuid.UUID       `json:"batch_id"`
	Tags        []string        `json:"tags"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewArtifact builds an artifact from decoded row data and derives its
// identity key.
func NewArtifact(
	artifactType ArtifactType,
	ownerID, batchID uuid.UUID,
	data map[string]any,
	tags []string,
) (*Artifact, error) {
	if !artifactType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidArtifactType, artifactType)
	}
	if ownerID == uuid.Nil {
		return nil, ErrEmptyBatchOwnerID
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact data: %v", ErrInvalidFormat, err)
	}

	artifact := &Artifact{
		ID:        uuid.New(),
		Type:      artifactType,
		OwnerID:   ownerID,
		Data:      raw,
		BatchID:   batchID,
		Tags:      nonNilStrings(tags),
		CreatedAt: time.Now().UTC(),
	}
	if key, ok := IdentityKey(artifactType, data); ok {
		artifact.IdentityKey = &key
	}
	return artifact, nil
}

// IdentityKey derives the semantic identity of an artifact's data. The
// second result is false when no key can be derived, in which case the
// artifact is not deduplicable and must be kept.
func IdentityKey(artifactType ArtifactType, data map[string]any) (string, bool) {
	switch artifactType {
	case ArtifactTypeContact:
		return normalizedField(data, "email")
	case ArtifactTypeKeyword:
		return normalizedField(data, "keyword")
	case ArtifactTypeContent:
		return normalizedField(data, "title")
	case ArtifactTypeCampaign:
		name, ok := normalizedField(data, "name")
		if !ok {
			return "", false
		}
		kind, ok := normalizedField(data, "type")
		if !ok {
			return "", false
		}
		return name + ":" + kind, true
	default:
		return "", false
	}
}

// NormalizeKey lowercases and trims a value and collapses inner whitespace.
func NormalizeKey(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

func normalizedField(data map[string]any, field string) (string, bool) {
	raw, ok := data[field]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	key := NormalizeKey(s)
	if key == "" {
		return "", false
	}
	return key, true
}
