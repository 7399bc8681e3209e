package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/services"
	"github.com/personakit/personakit-backend/internal/types"
)

type NarrativeHandler struct {
	svc services.NarrativeService
	log *logger.Logger
}

func NewNarrativeHandler(svc services.NarrativeService, log *logger.Logger) *NarrativeHandler {
	return &NarrativeHandler{svc: svc, log: log.With("handler", "NarrativeHandler")}
}

type createNarrativeRequest struct {
	PersonID       uuid.UUID      `json:"person_id" binding:"required"`
	NarrativeType  string         `json:"narrative_type" binding:"required"`
	RawText        string         `json:"raw_text" binding:"required"`
	Tags           []string       `json:"tags"`
	Context        map[string]any `json:"context"`
	Source         string         `json:"source"`
	TraitPath      string         `json:"trait_path"`
	CurationAction string         `json:"curation_action"`
}

func (h *NarrativeHandler) Create(c *gin.Context) {
	var req createNarrativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apierr.Validation(err))
		return
	}

	base := services.CreateNarrativeInput{
		PersonID: req.PersonID,
		RawText:  req.RawText,
		Tags:     req.Tags,
		Context:  req.Context,
		Source:   req.Source,
	}
	var (
		narrative *types.Narrative
		err       error
	)
	switch req.NarrativeType {
	case types.NarrativeTypeSelfObservation:
		narrative, err = h.svc.CreateSelfObservation(c.Request.Context(), base)
	case types.NarrativeTypeCuration:
		narrative, err = h.svc.CreateCuration(c.Request.Context(), services.CreateCurationInput{
			CreateNarrativeInput: base,
			TraitPath:            req.TraitPath,
			CurationAction:       req.CurationAction,
		})
	default:
		err = apierr.Validation(fmt.Errorf("narrative_type %q must be %s or %s",
			req.NarrativeType, types.NarrativeTypeSelfObservation, types.NarrativeTypeCuration))
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondData(c, http.StatusCreated, narrative)
}

type searchNarrativesRequest struct {
	PersonID      uuid.UUID `json:"person_id" binding:"required"`
	Query         string    `json:"query" binding:"required"`
	MinSimilarity float64   `json:"min_similarity"`
	TopK          int       `json:"top_k"`
}

func (h *NarrativeHandler) Search(c *gin.Context) {
	var req searchNarrativesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apierr.Validation(err))
		return
	}
	hits, err := h.svc.Search(c.Request.Context(), req.PersonID, req.Query, req.MinSimilarity, req.TopK)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondData(c, http.StatusOK, hits)
}
