package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/pkg/response"
	"github.com/xxxsen/meetnote/internal/service"
)

// HealthCheck reports which optional collaborators are configured.
type HealthCheck struct {
	Transcriber bool
	Diarizer    bool
	Generator   bool
	Embedder    bool
}

type HealthHandler struct {
	sessions *service.SessionManager
	queue    *service.AnalysisQueue
	hub      *hub.Hub
	check    HealthCheck
	started  time.Time
}

func NewHealthHandler(sessions *service.SessionManager, queue *service.AnalysisQueue, h *hub.Hub, check HealthCheck) *HealthHandler {
	return &HealthHandler{sessions: sessions, queue: queue, hub: h, check: check, started: time.Now()}
}

func (h *HealthHandler) Get(c *gin.Context) {
	data := gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"collaborators": gin.H{
			"transcriber": h.check.Transcriber,
			"diarizer":    h.check.Diarizer,
			"generator":   h.check.Generator,
			"embedder":    h.check.Embedder,
		},
	}
	if h.sessions != nil {
		data["active_sessions"] = h.sessions.Active()
	}
	if h.queue != nil {
		data["analysis_queue"] = h.queue.Len()
	}
	if h.hub != nil {
		data["observers"] = h.hub.Total()
	}
	response.Success(c, data)
}
