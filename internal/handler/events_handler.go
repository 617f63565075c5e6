package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/metrics"
	"github.com/xxxsen/meetnote/internal/service"
)

// EventsHandler serves the observer websocket of a meeting. Clients only
// receive; anything they send besides control frames is ignored.
type EventsHandler struct {
	meetings *service.MeetingService
	hub      *hub.Hub
	metrics  *metrics.Metrics
}

func NewEventsHandler(meetings *service.MeetingService, h *hub.Hub, m *metrics.Metrics) *EventsHandler {
	return &EventsHandler{meetings: meetings, hub: h, metrics: m}
}

func (h *EventsHandler) Serve(c *gin.Context) {
	meetingID := c.Param("id")
	m, err := h.meetings.Get(c.Request.Context(), meetingID)
	if err != nil {
		handleError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logutil.GetLogger(c.Request.Context()).Warn("upgrade observer connection failed", zap.Error(err))
		return
	}
	logger := logutil.GetLogger(c.Request.Context()).With(zap.String("meeting_id", meetingID))
	obs := newWSObserver(conn, meetingID, observerQueue)
	identity := getIdentity(c)
	h.hub.Register(meetingID, obs, identity)
	h.metrics.SetObservers(h.hub.Total())
	defer func() {
		h.hub.Unregister(meetingID, obs)
		obs.Close()
		h.metrics.SetObservers(h.hub.Total())
		logger.Debug("observer disconnected", zap.String("observer", obs.ID()))
	}()

	_ = h.hub.SendTo(obs, hub.ConnectionAck(meetingID, map[string]interface{}{
		"observer_id": obs.ID(),
		"status":      m.Status,
		"observers":   h.hub.Count(meetingID),
	}))

	conn.SetReadLimit(controlMaxSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("observer read failed", zap.Error(err))
			}
			return
		}
	}
}
