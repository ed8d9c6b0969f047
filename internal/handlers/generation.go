package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/boardforge/boardforge-backend/internal/jobs"
	apperrors "github.com/boardforge/boardforge-backend/internal/pkg/errors"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
)

type GenerationHandler struct {
	log *logger.Logger
	svc *jobs.Service
}

func NewGenerationHandler(log *logger.Logger, svc *jobs.Service) *GenerationHandler {
	return &GenerationHandler{
		log: log.With("handler", "GenerationHandler"),
		svc: svc,
	}
}

type submitRequest struct {
	TenantID      uuid.UUID      `json:"tenant_id" binding:"required"`
	BoardID       uuid.UUID      `json:"board_id" binding:"required"`
	GeneratorName string         `json:"generator_name" binding:"required"`
	InputParams   map[string]any `json:"input_params"`
}

// POST /api/generations
func (h *GenerationHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	job, err := h.svc.Submit(c.Request.Context(), jobs.SubmitInput{
		TenantID:      req.TenantID,
		BoardID:       req.BoardID,
		GeneratorName: req.GeneratorName,
		InputParams:   req.InputParams,
	})
	if err != nil {
		respondServiceError(c, "submit_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GET /api/generations/:id
func (h *GenerationHandler) GetByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.svc.Get(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, "job_not_found", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /api/generations/:id/cancel
func (h *GenerationHandler) Cancel(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), jobID); err != nil {
		respondServiceError(c, "cancel_failed", err)
		return
	}
	RespondOK(c, gin.H{"job_id": jobID, "cancel_requested": true})
}

// POST /api/generations/:id/retry
func (h *GenerationHandler) Retry(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.svc.Retry(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, "retry_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func respondServiceError(c *gin.Context, code string, err error) {
	var stateErr *jobs.StateError
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		RespondError(c, http.StatusNotFound, code, err)
	case errors.Is(err, apperrors.ErrInvalidArgument):
		RespondError(c, http.StatusBadRequest, code, err)
	case errors.As(err, &stateErr):
		RespondError(c, http.StatusConflict, code, err)
	default:
		RespondError(c, http.StatusInternalServerError, code, err)
	}
}
