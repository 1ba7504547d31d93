package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// Artifact is a canonicalized, content-addressed rendering of a value
// with a stable digest. The artefact persister (pkg/artifacts) does not
// use it; it writes the raw artefact bytes as given.
type Artifact struct {
	SchemaID       string            `json:"schema_id"`
	ContentType    string            `json:"content_type"`
	CanonicalBytes []byte            `json:"-"`
	Digest         string            `json:"digest"`
	Preview        string            `json:"preview"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Canonicalize converts a raw value into a canonical Artifact, detecting
// the content type and applying the appropriate canonicalization.
func Canonicalize(schemaID string, raw interface{}) (*Artifact, error) {
	var canonicalBytes []byte
	var contentType string
	var err error

	switch v := raw.(type) {
	case string:
		contentType = "text/plain"
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("invalid UTF-8 string")
		}
		canonicalBytes = []byte(v)
	case []byte:
		contentType = "application/octet-stream"
		canonicalBytes = v
	default:
		contentType = "application/json"
		canonicalBytes, err = JCS(v)
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize as JSON: %w", err)
		}
	}

	digest := ComputeArtifactHash(canonicalBytes)
	preview := generatePreview(canonicalBytes)

	return &Artifact{
		SchemaID:       schemaID,
		ContentType:    contentType,
		CanonicalBytes: canonicalBytes,
		Digest:         digest,
		Preview:        preview,
		Metadata:       make(map[string]string),
	}, nil
}

// ComputeArtifactHash returns "sha256:" followed by the hex SHA-256 digest
// of the canonical bytes.
func ComputeArtifactHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// generatePreview creates a deterministic, truncated preview of the content.
func generatePreview(data []byte) string {
	const maxPreviewLen = 50
	if len(data) <= maxPreviewLen {
		return string(data)
	}
	return string(data[:maxPreviewLen]) + "..."
}
