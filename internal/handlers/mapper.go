package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/services"
	"github.com/personakit/personakit-backend/internal/types"
)

const maxDocumentBytes = 1 << 20

type MapperHandler struct {
	svc services.MapperConfigService
	log *logger.Logger
}

func NewMapperHandler(svc services.MapperConfigService, log *logger.Logger) *MapperHandler {
	return &MapperHandler{svc: svc, log: log.With("handler", "MapperHandler")}
}

// Upload takes the raw document body as-is, YAML or JSON, and stores a
// new draft version. The uploader goes in the X-Created-By header.
func (h *MapperHandler) Upload(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentBytes+1))
	if err != nil {
		respondError(c, h.log, apierr.Validation(err))
		return
	}
	if len(raw) == 0 {
		respondError(c, h.log, apierr.Validation(errors.New("request body is empty")))
		return
	}
	if len(raw) > maxDocumentBytes {
		respondError(c, h.log, apierr.Validation(errors.New("document exceeds 1MiB")))
		return
	}

	cfg, err := h.svc.Upload(c.Request.Context(), raw, c.GetHeader("X-Created-By"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondData(c, http.StatusCreated, mapperSummary(cfg))
}

func (h *MapperHandler) Activate(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		respondError(c, h.log, apierr.Validation(errors.New("version must be a positive integer")))
		return
	}
	cfg, err := h.svc.Activate(c.Request.Context(), c.Param("config_id"), version)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondData(c, http.StatusOK, mapperSummary(cfg))
}

// GetActive returns the active version including its document.
func (h *MapperHandler) GetActive(c *gin.Context) {
	cfg, err := h.svc.GetActive(c.Request.Context(), c.Param("config_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	out := mapperSummary(cfg)
	out["document"] = cfg.Document
	respondData(c, http.StatusOK, out)
}

func (h *MapperHandler) ListVersions(c *gin.Context) {
	versions, err := h.svc.ListVersions(c.Request.Context(), c.Param("config_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	out := make([]gin.H, 0, len(versions))
	for i := range versions {
		out = append(out, mapperSummary(&versions[i]))
	}
	respondData(c, http.StatusOK, out)
}

func mapperSummary(cfg *types.MapperConfig) gin.H {
	return gin.H{
		"id":           cfg.ID,
		"config_id":    cfg.ConfigID,
		"version":      cfg.Version,
		"status":       cfg.Status,
		"created_by":   cfg.CreatedBy,
		"usage_count":  cfg.UsageCount,
		"last_used_at": cfg.LastUsedAt,
		"created_at":   cfg.CreatedAt,
	}
}
