package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
)

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

// respondError maps any error onto the API error envelope. Internal
// errors are logged with detail but the response stays generic.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	apiErr := apierr.From(err)
	if apiErr.Status >= 500 {
		log.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(apiErr.Status, gin.H{"error": gin.H{
			"code":    apiErr.Code,
			"message": "internal error",
		}})
		return
	}
	c.JSON(apiErr.Status, gin.H{"error": gin.H{
		"code":    apiErr.Code,
		"message": apiErr.Error(),
	}})
}
