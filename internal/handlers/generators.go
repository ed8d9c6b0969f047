package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/boardforge/boardforge-backend/internal/generator"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

type GeneratorsHandler struct {
	registry *generator.Registry
}

func NewGeneratorsHandler(registry *generator.Registry) *GeneratorsHandler {
	return &GeneratorsHandler{registry: registry}
}

// GET /api/generators
// Optional ?artifact_type=image filters the catalog.
func (h *GeneratorsHandler) List(c *gin.Context) {
	var filter *storage.ArtifactType
	if raw := c.Query("artifact_type"); raw != "" {
		at := storage.ArtifactType(raw)
		if !at.Valid() {
			RespondError(c, http.StatusBadRequest, "invalid_artifact_type", fmt.Errorf("unknown artifact type %q", raw))
			return
		}
		filter = &at
	}
	RespondOK(c, gin.H{"generators": h.registry.List(filter)})
}
