package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/repos"
	"github.com/personakit/personakit-backend/internal/types"
)

type HealthcheckHandler struct {
	outbox repos.OutboxRepo
	log    *logger.Logger
}

func NewHealthcheckHandler(outbox repos.OutboxRepo, log *logger.Logger) *HealthcheckHandler {
	return &HealthcheckHandler{outbox: outbox, log: log.With("handler", "HealthcheckHandler")}
}

// Check reports liveness plus outbox depth, the first thing to look at
// when personas go stale.
func (h *HealthcheckHandler) Check(c *gin.Context) {
	pending, err := h.outbox.CountByStatus(c.Request.Context(), nil, types.OutboxStatusPending)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	failed, err := h.outbox.CountByStatus(c.Request.Context(), nil, types.OutboxStatusFailed)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"outbox": gin.H{
			"pending": pending,
			"failed":  failed,
		},
	})
}
