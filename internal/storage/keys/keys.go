package keys

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boardforge/boardforge-backend/internal/storage"
)

// DefaultVariant is the primary rendition of an artifact.
const DefaultVariant = "original"

// Build derives the hierarchical storage key for one artifact variant:
//
//	{tenant}/{artifact_type}/{board}/{artifact}_{unix_ts}_{uuid}/{variant}
//
// The timestamp plus a fresh random UUID per call make collisions impossible
// without any coordination, even for identical artifact IDs. Pure function:
// no I/O, no shared state.
func Build(tenantID uuid.UUID, artifactType storage.ArtifactType, boardID, artifactID uuid.UUID, variant string) string {
	if variant == "" {
		variant = DefaultVariant
	}
	return fmt.Sprintf(
		"%s/%s/%s/%s_%d_%s/%s",
		tenantID,
		artifactType,
		boardID,
		artifactID,
		time.Now().Unix(),
		uuid.New(),
		variant,
	)
}
