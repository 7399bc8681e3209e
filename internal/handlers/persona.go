package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/services"
)

type PersonaHandler struct {
	svc services.PersonaService
	log *logger.Logger
}

func NewPersonaHandler(svc services.PersonaService, log *logger.Logger) *PersonaHandler {
	return &PersonaHandler{svc: svc, log: log.With("handler", "PersonaHandler")}
}

type generatePersonaRequest struct {
	PersonID     uuid.UUID      `json:"person_id" binding:"required"`
	ConfigID     string         `json:"config_id" binding:"required"`
	Context      map[string]any `json:"context"`
	ForceRefresh bool           `json:"force_refresh"`
}

func (h *PersonaHandler) Generate(c *gin.Context) {
	var req generatePersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apierr.Validation(err))
		return
	}
	out, err := h.svc.Generate(c.Request.Context(), services.GeneratePersonaInput{
		PersonID:     req.PersonID,
		ConfigID:     req.ConfigID,
		Context:      req.Context,
		ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondData(c, http.StatusCreated, gin.H{
		"persona":  out.Persona,
		"warnings": out.Warnings,
	})
}

func (h *PersonaHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, h.log, apierr.Validation(err))
		return
	}
	persona, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondData(c, http.StatusOK, persona)
}
