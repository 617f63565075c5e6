package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/meetnote/internal/metrics"
	"github.com/xxxsen/meetnote/internal/middleware"
)

type RouterDeps struct {
	Meetings     *MeetingHandler
	Ingest       *IngestHandler
	Events       *EventsHandler
	Health       *HealthHandler
	Metrics      *metrics.Metrics
	JWTSecret    []byte
	AskRateLimit time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.Use(middleware.Metrics(deps.Metrics))
	api.GET("/healthz", deps.Health.Get)
	if deps.Metrics != nil {
		api.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))
	authGroup.POST("/meetings", deps.Meetings.Create)
	authGroup.GET("/meetings", deps.Meetings.List)
	authGroup.GET("/meetings/:id", deps.Meetings.Get)
	authGroup.GET("/meetings/:id/transcript", deps.Meetings.Transcript)
	authGroup.POST("/meetings/:id/ask", middleware.RateLimit(deps.AskRateLimit), deps.Meetings.Ask)
	authGroup.POST("/meetings/:id/reindex", deps.Meetings.Reindex)
	authGroup.DELETE("/meetings/:id/index", deps.Meetings.DeleteIndex)
	authGroup.GET("/meetings/:id/export", deps.Meetings.Export)
	authGroup.GET("/meetings/:id/recording", deps.Meetings.Recording)

	authGroup.GET("/meetings/:id/events", deps.Events.Serve)
	authGroup.GET("/ingest", deps.Ingest.Serve)
}
