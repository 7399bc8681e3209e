package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/services"
)

type ObservationHandler struct {
	svc services.ObservationService
	log *logger.Logger
}

func NewObservationHandler(svc services.ObservationService, log *logger.Logger) *ObservationHandler {
	return &ObservationHandler{svc: svc, log: log.With("handler", "ObservationHandler")}
}

type createObservationRequest struct {
	PersonID        uuid.UUID      `json:"person_id" binding:"required"`
	ObservationType string         `json:"observation_type" binding:"required"`
	Content         map[string]any `json:"content" binding:"required"`
	Metadata        map[string]any `json:"metadata"`
}

// Create accepts the observation and returns 202: trait extraction
// happens in the worker, not on this request.
func (h *ObservationHandler) Create(c *gin.Context) {
	var req createObservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apierr.Validation(err))
		return
	}
	obs, err := h.svc.Create(c.Request.Context(), services.CreateObservationInput{
		PersonID:        req.PersonID,
		ObservationType: req.ObservationType,
		Content:         req.Content,
		Metadata:        req.Metadata,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondData(c, http.StatusAccepted, gin.H{
		"id":         obs.ID,
		"created_at": obs.CreatedAt,
	})
}
