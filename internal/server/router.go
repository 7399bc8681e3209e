package server

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/personakit/personakit-backend/internal/handlers"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/utils"
)

type Handlers struct {
	Observation *handlers.ObservationHandler
	Mapper      *handlers.MapperHandler
	Persona     *handlers.PersonaHandler
	Narrative   *handlers.NarrativeHandler
	Healthcheck *handlers.HealthcheckHandler
}

func NewRouter(h Handlers, log *logger.Logger) *gin.Engine {
	if strings.EqualFold(utils.GetEnv("MODE", "development", log), "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	corsOrigins := utils.GetEnv("CORS_ALLOWED_ORIGINS", "*", log)
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Created-By"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if corsOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(corsOrigins, ",")
	}
	router.Use(cors.New(corsConfig))

	router.GET("/healthcheck", h.Healthcheck.Check)

	api := router.Group("/api")
	{
		api.POST("/observations", h.Observation.Create)

		api.POST("/mappers", h.Mapper.Upload)
		api.GET("/mappers/:config_id", h.Mapper.GetActive)
		api.GET("/mappers/:config_id/versions", h.Mapper.ListVersions)
		api.POST("/mappers/:config_id/versions/:version/activate", h.Mapper.Activate)

		api.POST("/personas/generate", h.Persona.Generate)
		api.GET("/personas/:id", h.Persona.Get)

		api.POST("/narratives", h.Narrative.Create)
		api.POST("/narratives/search", h.Narrative.Search)
	}
	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	reqLog := log.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		reqLog.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
