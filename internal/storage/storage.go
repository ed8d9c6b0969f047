package storage

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// ArtifactType classifies what kind of content an artifact holds.
type ArtifactType string

const (
	ArtifactTypeImage ArtifactType = "image"
	ArtifactTypeVideo ArtifactType = "video"
	ArtifactTypeAudio ArtifactType = "audio"
	ArtifactTypeText  ArtifactType = "text"
	ArtifactTypeModel ArtifactType = "model"
)

func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactTypeImage, ArtifactTypeVideo, ArtifactTypeAudio, ArtifactTypeText, ArtifactTypeModel:
		return true
	}
	return false
}

// ArtifactRef identifies one stored object. It is immutable once created and
// only the storage manager constructs it, on successful upload.
type ArtifactRef struct {
	ArtifactID      uuid.UUID    `json:"artifact_id"`
	ArtifactType    ArtifactType `json:"artifact_type"`
	StorageKey      string       `json:"storage_key"`
	StorageProvider string       `json:"storage_provider"`
	ContentType     string       `json:"content_type"`
	SizeBytes       int64        `json:"size_bytes"`
	Variant         string       `json:"variant"`
}

// StoredObject is what a provider reports back from a successful Put.
type StoredObject struct {
	Key       string
	SizeBytes int64
}

// Provider is one storage backend. Implementations must be safe for
// concurrent use; each call is independent and carries no cross-call state.
type Provider interface {
	Name() string

	// Put uploads the object under key, streaming from r. It must not
	// require the whole payload in memory.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (StoredObject, error)

	// Get opens the object for reading. Absent keys fail with a NotFound
	// storage error.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// PresignURL returns a time-limited URL for direct access. Providers
	// that only support public URLs may return a static URL and ignore ttl.
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
